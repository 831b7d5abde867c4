// Package export implements the export pipeline from spec.md section 4.5:
// consume an ExportRequestEvent from the bus, resolve its destinations
// against the originating inference request, run the output plug-in chain,
// send to each DicomWeb destination, and publish an ExportCompleteEvent
// once every file has a terminal status. The subscribe-then-background-
// process shape is grounded on perkeep/pkg/importer.Host.start: a running
// flag guarding a single background goroutine started/stopped through the
// component lifecycle.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/bus"
	"github.com/monai-gateway/informatics-gateway/pkg/component"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/objectstore"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
	"github.com/monai-gateway/informatics-gateway/pkg/workerpool"
)

// Sender delivers one file to a resolved output resource. DicomWebSender is
// the concrete implementation; tests substitute a recording fake.
type Sender interface {
	Send(ctx context.Context, resource model.OutputResource, msg *plugin.ExportRequestDataMessage) error
}

// InferenceLookup is the subset of inference.Service the pipeline needs:
// loading the InferenceRequest an ExportTaskID correlates with, spec.md
// section 4.6 step 1.
type InferenceLookup interface {
	GetByID(ctx context.Context, id string) (*model.InferenceRequest, error)
}

// RemoteAppExecutions is the subset of store.RemoteAppExecutionRepository
// the pipeline uses to dedup outbound sends, spec.md section 3/6's
// outbound-proxy record: a send already recorded for an
// (exportTaskId, destination) pair is not repeated on redelivery.
type RemoteAppExecutions interface {
	Exists(ctx context.Context, outgoingUID string) (bool, error)
	Add(ctx context.Context, e *model.RemoteAppExecution) error
}

// Pipeline drives export tasks from the bus to completion.
type Pipeline struct {
	component.Base
	name          string
	bus           bus.Bus
	objects       objectstore.Store
	bucket        string
	requestTopic  string
	completeTopic string
	requests      InferenceLookup
	executions    RemoteAppExecutions
	sender        Sender
	concurrency   int
	log           zerolog.Logger
	unsubscribe   bus.Unsubscribe
	pool          *workerpool.Pool[model.ExportRequestEvent]
}

// New builds a Pipeline. concurrency bounds how many export tasks run at
// once; within a single task, files are sent sequentially.
// ExportCompleteEvent.fileStatuses is a map and carries no ordering.
func New(b bus.Bus, objects objectstore.Store, bucket, requestTopic, completeTopic string, requests InferenceLookup, executions RemoteAppExecutions, sender Sender, concurrency int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		name:          "export-pipeline",
		bus:           b,
		objects:       objects,
		bucket:        bucket,
		requestTopic:  requestTopic,
		completeTopic: completeTopic,
		requests:      requests,
		executions:    executions,
		sender:        sender,
		concurrency:   concurrency,
		log:           log.With().Str("component", "export-pipeline").Logger(),
	}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, done := p.BeginRun(ctx)
	close(done) // no background goroutine of our own; the bus drives delivery
	p.pool = workerpool.New(p.concurrency, p.runTask)
	unsub, err := p.bus.Subscribe(runCtx, p.requestTopic, func(ctx context.Context, payload []byte) error {
		event, err := unmarshalExportRequest(payload)
		if err != nil {
			p.log.Error().Err(err).Msg("decoding export request event")
			return err
		}
		return p.pool.Submit(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("export: subscribing to %s: %w", p.requestTopic, err)
	}
	p.unsubscribe = unsub
	return nil
}

func (p *Pipeline) Stop(gracePeriod time.Duration) error {
	if p.unsubscribe != nil {
		if err := p.unsubscribe(); err != nil {
			p.log.Warn().Err(err).Msg("unsubscribing from export request topic")
		}
	}
	if p.pool != nil {
		p.pool.Wait()
	}
	return p.StopAndWait(gracePeriod)
}

// runTask implements spec.md section 4.6's sendRemote steps 1-2 ahead of
// the per-file dataflow: the inference request behind ExportTaskID is
// loaded and filtered to its DicomWeb output resources before anything is
// downloaded or sent. A failed lookup fails every file with
// ConfigurationError without touching the object store or making any
// outbound call.
func (p *Pipeline) runTask(ctx context.Context, event model.ExportRequestEvent) {
	destinations, err := p.resolveDestinations(ctx, event.ExportTaskID)
	if err != nil {
		p.log.Error().Err(err).Str("exportTaskId", event.ExportTaskID).Msg("resolving export destinations")
		statuses := make(map[string]model.FileExportStatus, len(event.Files))
		for _, path := range event.Files {
			statuses[path] = model.FileExportConfigurationError
		}
		p.publishComplete(ctx, event.ExportTaskID, statuses, err.Error())
		return
	}

	statuses := make(map[string]model.FileExportStatus, len(event.Files))
	for _, path := range event.Files {
		statuses[path] = p.exportFile(ctx, event, path, destinations)
	}
	p.publishComplete(ctx, event.ExportTaskID, statuses, "")
}

func (p *Pipeline) resolveDestinations(ctx context.Context, exportTaskID string) ([]model.OutputResource, error) {
	req, err := p.requests.GetByID(ctx, exportTaskID)
	if err != nil {
		return nil, fmt.Errorf("export: loading inference request %q: %w", exportTaskID, err)
	}
	destinations := req.DicomWebDestinations()
	if len(destinations) == 0 {
		return nil, fmt.Errorf("export: inference request %q has no DicomWeb output resources", exportTaskID)
	}
	return destinations, nil
}

func (p *Pipeline) publishComplete(ctx context.Context, exportTaskID string, statuses map[string]model.FileExportStatus, message string) {
	complete := model.ExportCompleteEvent{
		ExportTaskID: exportTaskID,
		Status:       aggregateStatus(statuses),
		FileStatuses: statuses,
		Message:      message,
	}
	payload, err := marshalExportComplete(complete)
	if err != nil {
		p.log.Error().Err(err).Str("exportTaskId", exportTaskID).Msg("encoding export complete event")
		return
	}
	if err := p.bus.Publish(ctx, p.completeTopic, payload); err != nil {
		p.log.Error().Err(err).Str("exportTaskId", exportTaskID).Msg("publishing export complete event")
	}
}

func (p *Pipeline) exportFile(ctx context.Context, event model.ExportRequestEvent, path string, destinations []model.OutputResource) model.FileExportStatus {
	rc, err := p.objects.Get(ctx, p.bucket, path)
	if err != nil {
		p.log.Error().Err(err).Str("path", path).Msg("downloading export file")
		return model.FileExportDownloadError
	}
	defer rc.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := rc.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr != nil {
			break
		}
	}

	status := model.FileExportSuccess
	for _, resource := range destinations {
		if s := p.sendTo(ctx, event.ExportTaskID, path, buf, resource); s != model.FileExportSuccess {
			status = s
		}
	}
	return status
}

// sendTo runs resource's output plug-in chain (spec.md section 4.7) and
// sends the transformed message, skipping the send entirely if this
// (exportTaskId, destination) pair was already recorded as delivered.
func (p *Pipeline) sendTo(ctx context.Context, exportTaskID, path string, data []byte, resource model.OutputResource) model.FileExportStatus {
	outgoingUID := exportTaskID + ":" + resource.URI
	if already, err := p.executions.Exists(ctx, outgoingUID); err == nil && already {
		return model.FileExportSuccess
	}

	chain, err := plugin.ResolveOutputChain(resource.OutputPlugInAssemblies)
	if err != nil {
		p.log.Error().Err(err).Str("destination", resource.URI).Msg("resolving output plug-in chain")
		return model.FileExportConfigurationError
	}
	msg := &plugin.ExportRequestDataMessage{ExportTaskID: exportTaskID, FilePath: path, Data: data, Status: model.FileExportSuccess}
	msg, err = plugin.RunOutputChain(chain, msg)
	if err != nil {
		p.log.Error().Err(err).Str("destination", resource.URI).Str("path", path).Msg("running output plug-in chain")
		return model.FileExportServiceError
	}

	if err := p.sender.Send(ctx, resource, msg); err != nil {
		p.log.Error().Err(err).Str("destination", resource.URI).Str("path", path).Msg("sending export file")
		return model.FileExportServiceError
	}
	if err := p.executions.Add(ctx, &model.RemoteAppExecution{OutgoingUID: outgoingUID, RequestTime: time.Now()}); err != nil {
		p.log.Warn().Err(err).Str("outgoingUid", outgoingUID).Msg("recording remote app execution")
	}
	return model.FileExportSuccess
}

func aggregateStatus(statuses map[string]model.FileExportStatus) model.ExportStatus {
	for _, s := range statuses {
		if s != model.FileExportSuccess {
			return model.ExportFailure
		}
	}
	return model.ExportSuccess
}

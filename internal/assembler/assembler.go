// Package assembler groups received files into Payloads and drives them
// through the Created -> Move -> Notify -> Published state machine from
// spec.md section 4.2, publishing a WorkflowRequestEvent once a payload is
// ready. Grounded on perkeep/pkg/importer's Host: a periodic ticker that
// scans durable state and advances whatever is ready, restartable from
// whatever the repository last held (the crash-recovery requirement spec.md
// section 4.2 calls out) rather than an in-memory-only timer.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/bus"
	"github.com/monai-gateway/informatics-gateway/pkg/component"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// PayloadRepository is the subset of store.PayloadRepository the assembler
// needs.
type PayloadRepository interface {
	Create(ctx context.Context, p *model.Payload) error
	Update(ctx context.Context, p *model.Payload) error
	Get(ctx context.Context, payloadID string) (*model.Payload, error)
	ListByState(ctx context.Context, state model.PayloadState) ([]*model.Payload, error)
	ListAll(ctx context.Context) ([]*model.Payload, error)
}

// FileMetadataRepository is the subset of store.FileMetadataRepository the
// assembler needs.
type FileMetadataRepository interface {
	ListByPayload(ctx context.Context, payloadID string) ([]*model.FileStorageMetadata, error)
}

// Assembler groups incoming files by correlation key into a Payload,
// waiting up to its configured timeout for more files from the same group
// before it closes for business and moves on to Notify.
type Assembler struct {
	component.Base
	repo       PayloadRepository
	files      FileMetadataRepository
	bus        bus.Bus
	bucket     string
	topic      string
	tickEvery  time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*model.Payload // key -> in-flight payload
}

// New builds an Assembler. tickEvery is how often the sweep loop checks for
// payloads whose grouping window has elapsed.
func New(repo PayloadRepository, files FileMetadataRepository, b bus.Bus, bucket, topic string, tickEvery time.Duration, log zerolog.Logger) *Assembler {
	return &Assembler{
		repo:      repo,
		files:     files,
		bus:       b,
		bucket:    bucket,
		topic:     topic,
		tickEvery: tickEvery,
		log:       log.With().Str("component", "assembler").Logger(),
		buckets:   make(map[string]*model.Payload),
	}
}

func (a *Assembler) Name() string { return "assembler" }

// Start rebuilds the in-memory bucket map from whatever payloads are still
// short of Published (crash recovery), then runs the periodic sweep.
func (a *Assembler) Start(ctx context.Context) error {
	runCtx, done := a.BeginRun(ctx)
	if err := a.recover(runCtx); err != nil {
		return fmt.Errorf("assembler: recovering state: %w", err)
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				a.sweep(runCtx)
			}
		}
	}()
	return nil
}

func (a *Assembler) Stop(gracePeriod time.Duration) error {
	return a.StopAndWait(gracePeriod)
}

func (a *Assembler) recover(ctx context.Context) error {
	payloads, err := a.repo.ListAll(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range payloads {
		if p.State == model.PayloadPublished || p.State == model.PayloadFailed {
			continue
		}
		a.buckets[p.Key] = p
	}
	return nil
}

// AddFile assigns f to the payload keyed by key, creating a new one if none
// is in flight, per spec.md section 4.2's grouping rule.
func (a *Assembler) AddFile(ctx context.Context, key string, f *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error) {
	now := time.Now()
	window := time.Duration(timeoutSeconds) * time.Second

	a.mu.Lock()
	p, ok := a.buckets[key]
	if !ok {
		p = &model.Payload{
			PayloadID:      f.CorrelationID + "-" + key,
			Key:            key,
			CorrelationID:  f.CorrelationID,
			Workflows:      workflows,
			State:          model.PayloadCreated,
			TimeoutSeconds: timeoutSeconds,
			DateCreated:    now,
			Deadline:       now.Add(window),
			DataService:    origin.Service,
			Source:         origin.Source,
			Destination:    origin.Destination,
		}
		a.buckets[key] = p
		a.mu.Unlock()
		f.PayloadID = p.PayloadID
		if err := a.repo.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("assembler: creating payload for key %q: %w", key, err)
		}
		return p, nil
	}
	// Sliding window: every additional file pushes the deadline out, per
	// spec.md section 4.2, so a bucket that keeps receiving files never
	// fires early.
	extended := now.Add(window)
	if extended.After(p.Deadline) {
		p.Deadline = extended
	}
	a.mu.Unlock()
	f.PayloadID = p.PayloadID
	if err := a.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("assembler: extending deadline for payload %q: %w", p.PayloadID, err)
	}
	return p, nil
}

// sweep advances every in-flight payload whose sliding window has elapsed
// and whose files have all finished uploading.
func (a *Assembler) sweep(ctx context.Context) {
	now := time.Now()
	a.mu.Lock()
	due := make([]*model.Payload, 0, len(a.buckets))
	for _, p := range a.buckets {
		if !now.Before(p.Deadline) {
			due = append(due, p)
		}
	}
	a.mu.Unlock()

	for _, p := range due {
		if err := a.advance(ctx, p); err != nil {
			a.log.Error().Err(err).Str("payloadId", p.PayloadID).Msg("advancing payload")
		}
	}
}

func (a *Assembler) advance(ctx context.Context, p *model.Payload) error {
	files, err := a.files.ListByPayload(ctx, p.PayloadID)
	if err != nil {
		return err
	}
	p.Files = nil
	for _, f := range files {
		p.Files = append(p.Files, *f)
	}
	if p.AnyFailed() {
		return a.transition(ctx, p, model.PayloadFailed)
	}
	if !p.AllUploaded() {
		// Still waiting on the upload worker; try again next sweep.
		return nil
	}
	if err := a.transition(ctx, p, model.PayloadMove); err != nil {
		return err
	}
	if err := a.transition(ctx, p, model.PayloadNotify); err != nil {
		return err
	}
	if err := a.publish(ctx, p); err != nil {
		return err
	}
	return a.transition(ctx, p, model.PayloadPublished)
}

func (a *Assembler) transition(ctx context.Context, p *model.Payload, next model.PayloadState) error {
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("assembler: payload %q cannot move from %s to %s", p.PayloadID, p.State, next)
	}
	p.State = next
	if err := a.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("assembler: persisting payload %q transition to %s: %w", p.PayloadID, next, err)
	}
	if next == model.PayloadPublished || next == model.PayloadFailed {
		a.mu.Lock()
		delete(a.buckets, p.Key)
		a.mu.Unlock()
	}
	return nil
}

func (a *Assembler) publish(ctx context.Context, p *model.Payload) error {
	event := model.WorkflowRequestEvent{
		PayloadID:     p.PayloadID,
		Bucket:        a.bucket,
		CorrelationID: p.CorrelationID,
		Workflows:     p.Workflows,
		DataTrigger:   model.DataOrigin{Service: p.DataService, Source: p.Source, Destination: p.Destination},
	}
	for _, f := range p.Files {
		event.Files = append(event.Files, model.WorkflowRequestFile{Path: f.File.RemotePath, Metadata: f})
	}
	payload, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("assembler: encoding workflow request for payload %q: %w", p.PayloadID, err)
	}
	if err := a.bus.Publish(ctx, a.topic, payload); err != nil {
		return fmt.Errorf("assembler: publishing workflow request for payload %q: %w", p.PayloadID, err)
	}
	return nil
}

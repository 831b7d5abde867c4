// The gatewayd binary runs the Informatics Gateway: the DIMSE SCP, the
// DICOMweb STOW-RS HTTP listener, the HL7 MLLP listener, the payload
// assembler, the object-upload worker, and the export pipeline, started and
// stopped together through pkg/component.Orchestrator. Flag/signal handling
// here follows perkeep/server/camlistored/camlistored.go's main(): a single
// -configfile flag, a fatal-with-message exitf helper, and an
// os/signal-triggered graceful shutdown, generalized from camlistored's
// single webserver.Server to a set of independently registered components.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/internal/assembler"
	"github.com/monai-gateway/informatics-gateway/internal/dicomweb"
	"github.com/monai-gateway/informatics-gateway/internal/dimse"
	"github.com/monai-gateway/informatics-gateway/internal/export"
	"github.com/monai-gateway/informatics-gateway/internal/hl7"
	"github.com/monai-gateway/informatics-gateway/internal/inference"
	"github.com/monai-gateway/informatics-gateway/internal/retention"
	"github.com/monai-gateway/informatics-gateway/internal/storageinfo"
	"github.com/monai-gateway/informatics-gateway/internal/uploadqueue"
	"github.com/monai-gateway/informatics-gateway/pkg/bus"
	"github.com/monai-gateway/informatics-gateway/pkg/component"
	"github.com/monai-gateway/informatics-gateway/pkg/config"
	"github.com/monai-gateway/informatics-gateway/pkg/objectstore"
	"github.com/monai-gateway/informatics-gateway/pkg/retry"
	"github.com/monai-gateway/informatics-gateway/pkg/store"
)

// remoteAppExecutionTTL is how long a recorded outbound delivery is kept
// for dedup purposes before the sweeper deletes it, spec.md section 3/6.
const remoteAppExecutionTTL = 7 * 24 * time.Hour

var flagConfigFile = flag.String("configfile", "gateway.config.json", "Path to the gateway's JSON configuration file.")

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load(*flagConfigFile)
	if err != nil {
		exitf("gatewayd: loading config: %v", err)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		exitf("gatewayd: opening database: %v", err)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.Storage.LocalTemporaryStoragePath, 0o755); err != nil {
		exitf("gatewayd: creating staging directory: %v", err)
	}

	objects, err := objectstore.NewLocalDiskStore(cfg.Storage.LocalTemporaryStoragePath)
	if err != nil {
		exitf("gatewayd: opening object store: %v", err)
	}

	messageBus, err := dialBus(cfg.Bus)
	if err != nil {
		exitf("gatewayd: connecting to message bus: %v", err)
	}

	orchestrator := buildOrchestrator(cfg, db, objects, messageBus, log)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.Start(runCtx); err != nil {
		exitf("gatewayd: starting components: %v", err)
	}
	log.Info().Msg("gatewayd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("gatewayd shutting down")
	cancel()
	if err := orchestrator.Stop(30 * time.Second); err != nil {
		log.Error().Err(err).Msg("gatewayd: one or more components failed to stop cleanly")
	}
}

func dialBus(cfg config.BusConfig) (bus.Bus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryBus(), nil
	}
	return bus.DialNats(cfg.URL)
}

// buildOrchestrator wires every repository and protocol listener spec.md
// section 4 describes, registering them in the order they must start:
// assembler and upload worker first (ingestors depend on them being ready
// to receive), then the ingress listeners, then the export pipeline.
func buildOrchestrator(cfg config.Config, db *store.DB, objects objectstore.Store, messageBus bus.Bus, log zerolog.Logger) *component.Orchestrator {
	aeRepo := store.NewAERepository(db)
	filesRepo := store.NewFileMetadataRepository(db)
	payloadsRepo := store.NewPayloadRepository(db)
	associationsRepo := store.NewAssociationRepository(db)
	inferenceRepo := store.NewInferenceRepository(db)
	remoteAppExecRepo := store.NewRemoteAppExecutionRepository(db)

	inferenceSvc := inference.New(inferenceRepo, len(cfg.Database.Retries.Delays()))

	space := storageinfo.NewChecker(cfg.Storage.LocalTemporaryStoragePath, cfg.Storage.WatermarkPercent, cfg.Storage.ReserveSpaceGB)

	asm := assembler.New(payloadsRepo, filesRepo, messageBus, cfg.Storage.BucketName, cfg.Bus.WorkflowRequestTopic, time.Second, log)

	uploadQueue := uploadqueue.NewQueue(cfg.Storage.ConcurrentUploads * 4)
	uploadPolicy := retry.Policy{Delays: cfg.Storage.Retries.Delays()}
	uploadWorker := uploadqueue.NewWorker(uploadQueue, objects, filesRepo, cfg.Storage.BucketName, cfg.Storage.ConcurrentUploads, uploadPolicy, log)

	dimseServer := dimse.New(dimse.Config{
		Address:                     fmt.Sprintf(":%d", cfg.Dicom.SCPPort),
		MonaiAEs:                    aeRepo,
		SourceAEs:                   aeRepo,
		Associations:                associationsRepo,
		Space:                       space,
		Uploads:                     dimseUploadAdapter{uploadQueue},
		Files:                       filesRepo,
		Assembler:                   asm,
		StagingRoot:                 cfg.Storage.LocalTemporaryStoragePath,
		MaxAssociations:             int32(cfg.Dicom.SCPMaxAssociations),
		VerificationServiceDisabled: cfg.Dicom.SCPVerificationDisabled,
		RejectUnknownSources:        cfg.Dicom.SCPRejectUnknownSources,
	}, log)

	stowHandler := dicomweb.New(dicomweb.Config{
		VirtualAEs:  aeRepo,
		Space:       space,
		Uploads:     dicomwebUploadAdapter{uploadQueue},
		Files:       filesRepo,
		Assembler:   asm,
		StagingRoot: cfg.Storage.LocalTemporaryStoragePath,
	}, log)
	router := chi.NewRouter()
	stowHandler.Routes(router)
	dicomwebServer := newHTTPServerComponent("dicomweb-http", fmt.Sprintf(":%d", cfg.Dicom.SCPPort+1), router, log)

	hl7Listener := hl7.New(hl7.Config{
		Address:        fmt.Sprintf(":%d", cfg.HL7.Port),
		Space:          space,
		Uploads:        hl7UploadAdapter{uploadQueue},
		Files:          filesRepo,
		Assembler:      asm,
		StagingRoot:    cfg.Storage.LocalTemporaryStoragePath,
		TimeoutSeconds: 5,
	}, log)

	exportPipeline := export.New(messageBus, objects, cfg.Storage.BucketName, cfg.Bus.ExportRequestTopic, cfg.Bus.ExportCompleteTopic,
		inferenceSvc, remoteAppExecRepo,
		export.NewDicomWebSender(time.Duration(cfg.DicomWeb.ClientTimeoutSeconds)*time.Second),
		cfg.Storage.PayloadProcessThreads, log)

	executionSweeper := retention.New(remoteAppExecRepo, remoteAppExecutionTTL, time.Hour, log)

	orchestrator := component.NewOrchestrator(log)
	orchestrator.Register(asm)
	orchestrator.Register(uploadWorker)
	orchestrator.Register(dimseServer)
	orchestrator.Register(dicomwebServer)
	orchestrator.Register(hl7Listener)
	orchestrator.Register(exportPipeline)
	orchestrator.Register(executionSweeper)
	return orchestrator
}

// dimseUploadAdapter/dicomwebUploadAdapter/hl7UploadAdapter convert each
// ingestor's locally defined UploadJob type onto the shared
// uploadqueue.Queue, since each internal ingestor package is deliberately
// free of a direct dependency on internal/uploadqueue's concrete Job type.

type dimseUploadAdapter struct{ queue *uploadqueue.Queue }

func (a dimseUploadAdapter) Enqueue(ctx context.Context, job dimse.UploadJob) error {
	return a.queue.Enqueue(ctx, uploadqueue.Job{Metadata: job.Metadata, LocalPath: job.LocalPath})
}

type dicomwebUploadAdapter struct{ queue *uploadqueue.Queue }

func (a dicomwebUploadAdapter) Enqueue(ctx context.Context, job dicomweb.UploadJob) error {
	return a.queue.Enqueue(ctx, uploadqueue.Job{Metadata: job.Metadata, LocalPath: job.LocalPath})
}

type hl7UploadAdapter struct{ queue *uploadqueue.Queue }

func (a hl7UploadAdapter) Enqueue(ctx context.Context, job hl7.UploadJob) error {
	return a.queue.Enqueue(ctx, uploadqueue.Job{Metadata: job.Metadata, LocalPath: job.LocalPath})
}

// httpServerComponent adapts an http.Server to component.Component so the
// DICOMweb listener starts and stops alongside the DIMSE/HL7 listeners
// under one orchestrator.
type httpServerComponent struct {
	component.Base
	name    string
	address string
	server  *http.Server
	log     zerolog.Logger
}

func newHTTPServerComponent(name, address string, handler http.Handler, log zerolog.Logger) *httpServerComponent {
	return &httpServerComponent{
		name:    name,
		address: address,
		server:  &http.Server{Handler: handler},
		log:     log.With().Str("component", name).Logger(),
	}
}

func (c *httpServerComponent) Name() string { return c.name }

func (c *httpServerComponent) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.address)
	if err != nil {
		return fmt.Errorf("%s: listening on %s: %w", c.name, c.address, err)
	}
	_, done := c.BeginRun(ctx)
	go func() {
		defer close(done)
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()
	c.log.Info().Str("address", ln.Addr().String()).Msg("listening")
	return nil
}

func (c *httpServerComponent) Stop(gracePeriod time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	_ = c.server.Shutdown(shutdownCtx)
	return c.StopAndWait(gracePeriod)
}

// Package dicomweb implements the STOW-RS ingestor from spec.md section 6:
// POST /dicomweb/[{workflow}/]studies[/{studyInstanceUID}] accepts a
// multipart/related body of DICOM instances and runs them through the same
// admission/plug-in/staging pipeline internal/dimse's C-STORE handler
// uses, so a study pushed over DICOMweb and one pushed over DIMSE produce
// identical FileStorageMetadata and WorkflowRequest shapes. Routing follows
// OtchereDev-ris-dicom-connector's dicomweb handler (chi.URLParam, a
// package-level zerolog logger, application/dicom+json responses);
// multipart parsing follows perkeep/pkg/httputil/multipart.go's
// mime.ParseMediaType + boundary extraction, using the stdlib mime/multipart
// package directly since the vendored workaround that file carries is for a
// decade-old Go bug that no longer exists.
package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/dicom"
	"github.com/monai-gateway/informatics-gateway/pkg/dicomuid"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
)

// VirtualAELookup resolves the optional {workflow} path segment to its
// configured workflow ids and plug-in chain, spec.md section 3's Virtual AE.
type VirtualAELookup interface {
	FindVirtualAEByName(ctx context.Context, name string) (*model.VirtualApplicationEntity, error)
}

// SpaceChecker is the same admission gate internal/dimse uses, spec.md
// section 5.
type SpaceChecker interface {
	HasSpaceToStore(ctx context.Context) (bool, error)
}

// UploadJob mirrors dimse.UploadJob; kept as its own type so this package
// doesn't depend on internal/dimse. cmd/gatewayd adapts uploadqueue.Queue to
// both.
type UploadJob struct {
	Metadata  *model.FileStorageMetadata
	LocalPath string
}

// UploadEnqueuer is the queue.Enqueue surface this handler needs.
type UploadEnqueuer interface {
	Enqueue(ctx context.Context, job UploadJob) error
}

// FileMetadataCreator persists the per-instance record this handler builds.
type FileMetadataCreator interface {
	Create(ctx context.Context, f *model.FileStorageMetadata) error
}

// GroupAssigner is the assembler.Assembler.AddFile surface, spec.md
// section 4.2.
type GroupAssigner interface {
	AddFile(ctx context.Context, key string, f *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error)
}

// Config holds the wiring a Handler needs, assembled by cmd/gatewayd.
type Config struct {
	VirtualAEs            VirtualAELookup
	Space                 SpaceChecker
	Uploads               UploadEnqueuer
	Files                 FileMetadataCreator
	Assembler             GroupAssigner
	StagingRoot           string
	Codec                 dicom.Codec
	DefaultWorkflows      []string
	DefaultTimeoutSeconds int
}

// Handler serves the STOW-RS endpoint. One Handler is shared across
// requests; it holds no per-request state.
type Handler struct {
	virtualAEs       VirtualAELookup
	space            SpaceChecker
	uploads          UploadEnqueuer
	files            FileMetadataCreator
	assembler        GroupAssigner
	stagingRoot      string
	codec            dicom.Codec
	defaultWorkflows []string
	defaultTimeout   int
	log              zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Handler {
	return &Handler{
		virtualAEs:       cfg.VirtualAEs,
		space:            cfg.Space,
		uploads:          cfg.Uploads,
		files:            cfg.Files,
		assembler:        cfg.Assembler,
		stagingRoot:      cfg.StagingRoot,
		codec:            cfg.Codec,
		defaultWorkflows: cfg.DefaultWorkflows,
		defaultTimeout:   cfg.DefaultTimeoutSeconds,
		log:              log.With().Str("component", "dicomweb").Logger(),
	}
}

// Routes mounts the four URL shapes spec.md section 6's
// POST /dicomweb/[{workflow}/]studies[/{studyInstanceUID}] pattern allows
// onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/dicomweb/studies", h.stow)
	r.Post("/dicomweb/studies/{studyInstanceUID}", h.stow)
	r.Post("/dicomweb/{workflow}/studies", h.stow)
	r.Post("/dicomweb/{workflow}/studies/{studyInstanceUID}", h.stow)
}

type referencedSOP struct {
	ReferencedSOPClassUID    string `json:"ReferencedSOPClassUID"`
	ReferencedSOPInstanceUID string `json:"ReferencedSOPInstanceUID"`
	WarningReason            string `json:"WarningReason,omitempty"`
}

type failedSOP struct {
	ReferencedSOPClassUID    string `json:"ReferencedSOPClassUID,omitempty"`
	ReferencedSOPInstanceUID string `json:"ReferencedSOPInstanceUID,omitempty"`
	FailureReason            int    `json:"FailureReason"`
}

type stowResult struct {
	ReferencedSOPSequence []referencedSOP `json:"ReferencedSOPSequence,omitempty"`
	FailedSOPSequence     []failedSOP     `json:"FailedSOPSequence,omitempty"`
}

// stow handles one STOW-RS request: parses the multipart/related body,
// stores each DICOM instance through the shared ingestion pipeline, and
// replies with the result dataset and status code spec.md section 6
// defines.
func (h *Handler) stow(w http.ResponseWriter, r *http.Request) {
	workflow := chi.URLParam(r, "workflow")
	studyInstanceUID := chi.URLParam(r, "studyInstanceUID")
	correlationID := uuid.NewString()

	boundary, err := multipartBoundary(r)
	if err != nil {
		h.log.Warn().Err(err).Str("correlationId", correlationID).Msg("rejecting STOW-RS: bad multipart content type")
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	workflows, inputChain, err := h.resolveWorkflow(r.Context(), workflow)
	if err != nil {
		h.log.Warn().Err(err).Str("correlationId", correlationID).Msg("rejecting STOW-RS: unknown workflow")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	result := stowResult{}
	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.log.Error().Err(err).Str("correlationId", correlationID).Msg("reading multipart/related part")
			break
		}
		raw, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			h.log.Error().Err(err).Str("correlationId", correlationID).Msg("reading multipart part body")
			continue
		}
		sop, failure := h.storeInstance(r.Context(), raw, correlationID, studyInstanceUID, workflow, workflows, inputChain)
		if failure != nil {
			result.FailedSOPSequence = append(result.FailedSOPSequence, *failure)
			continue
		}
		result.ReferencedSOPSequence = append(result.ReferencedSOPSequence, *sop)
	}

	writeResult(w, result)
}

// storeInstance runs one decoded instance through the same admission,
// plug-in, staging and enqueue steps internal/dimse's handleStore uses
// (spec.md section 4.1/4.3), returning either a success or failure entry
// for the result dataset.
func (h *Handler) storeInstance(ctx context.Context, raw []byte, correlationID, studyInstanceUID, workflow string, workflows []string, inputChain []plugin.InputPlugIn) (*referencedSOP, *failedSOP) {
	if ok, err := h.space.HasSpaceToStore(ctx); err != nil || !ok {
		h.log.Warn().Str("correlationId", correlationID).Msg("rejecting STOW-RS instance: storage watermark exceeded")
		return nil, &failedSOP{FailureReason: int(dicomuid.StatusOutOfResources)}
	}

	ds, err := h.codec.Decode(raw)
	if err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("decoding DICOM instance")
		return nil, &failedSOP{FailureReason: int(dicomuid.StatusStorageCannotUnderstand)}
	}
	sopClassUID := ds.SOPClassUID()
	sopInstanceUID := ds.SOPInstanceUID()
	if studyInstanceUID != "" && ds.StudyInstanceUID() != "" && ds.StudyInstanceUID() != studyInstanceUID {
		h.log.Warn().Str("correlationId", correlationID).Str("urlStudy", studyInstanceUID).Str("instanceStudy", ds.StudyInstanceUID()).
			Msg("rejecting STOW-RS instance: StudyInstanceUID does not match request URL")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusProcessingFailure)}
	}

	identifier := uuid.NewString()
	destination := workflow
	if destination == "" {
		destination = "dicomweb"
	}
	meta := &model.FileStorageMetadata{
		Identifier:     identifier,
		CorrelationID:  correlationID,
		StudyUID:       ds.StudyInstanceUID(),
		SeriesUID:      ds.SeriesInstanceUID(),
		SOPInstanceUID: sopInstanceUID,
		Source:         "dicomweb",
		Destination:    destination,
		DataService:    model.DataServiceDicomWeb,
		Workflows:      workflows,
		CreatedAt:      time.Now(),
	}

	ds, meta, err = plugin.RunInputChain(inputChain, ds, meta)
	if err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("running input plug-in chain")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusProcessingFailure)}
	}

	encoded, err := h.codec.Encode(ds, raw)
	if err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("encoding DICOM instance")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusProcessingFailure)}
	}

	localPath := filepath.Join(h.stagingRoot, identifier+".dcm")
	if err := os.WriteFile(localPath, encoded, 0o600); err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("staging received instance")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusOutOfResources)}
	}
	meta.File.TemporaryPath = localPath
	meta.File.ContentType = "application/dicom"

	origin := model.DataOrigin{Service: model.DataServiceDicomWeb, Source: "dicomweb", Destination: destination}
	if _, err := h.assembler.AddFile(ctx, meta.CorrelationID, meta, h.defaultTimeout, workflows, origin); err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("assigning instance to payload")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusProcessingFailure)}
	}
	if err := h.files.Create(ctx, meta); err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("persisting instance metadata")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusProcessingFailure)}
	}
	if err := h.uploads.Enqueue(ctx, UploadJob{Metadata: meta, LocalPath: localPath}); err != nil {
		h.log.Error().Err(err).Str("correlationId", correlationID).Msg("enqueueing upload")
		return nil, &failedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID, FailureReason: int(dicomuid.StatusOutOfResources)}
	}

	return &referencedSOP{ReferencedSOPClassUID: sopClassUID, ReferencedSOPInstanceUID: sopInstanceUID}, nil
}

// resolveWorkflow looks up the named Virtual AE, if any, and builds its
// input plug-in chain. An empty workflow path segment uses the gateway's
// configured defaults instead, per spec.md section 6.
func (h *Handler) resolveWorkflow(ctx context.Context, workflow string) ([]string, []plugin.InputPlugIn, error) {
	if workflow == "" {
		chain, err := plugin.ResolveInputChain(nil)
		return h.defaultWorkflows, chain, err
	}
	ae, err := h.virtualAEs.FindVirtualAEByName(ctx, workflow)
	if err != nil {
		return nil, nil, fmt.Errorf("dicomweb: unknown workflow %q: %w", workflow, err)
	}
	chain, err := plugin.ResolveInputChain(ae.PlugInAssemblies)
	if err != nil {
		return nil, nil, err
	}
	return ae.Workflows, chain, nil
}

// multipartBoundary extracts the boundary parameter from a
// multipart/related; type="application/dicom" Content-Type header, adapted
// from perkeep/pkg/httputil/multipart.go's form-data variant.
func multipartBoundary(r *http.Request) (string, error) {
	v := r.Header.Get("Content-Type")
	if v == "" {
		return "", fmt.Errorf("dicomweb: missing Content-Type")
	}
	d, params, err := mime.ParseMediaType(v)
	if err != nil || d != "multipart/related" {
		return "", fmt.Errorf("dicomweb: Content-Type must be multipart/related, got %q", v)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return "", fmt.Errorf("dicomweb: missing multipart boundary")
	}
	return boundary, nil
}

// writeResult replies with the result dataset and the 200/202/204/409
// status code spec.md section 6 defines.
func writeResult(w http.ResponseWriter, result stowResult) {
	stored := len(result.ReferencedSOPSequence)
	failed := len(result.FailedSOPSequence)

	status := http.StatusOK
	switch {
	case stored == 0 && failed == 0:
		status = http.StatusNoContent
	case stored == 0 && failed > 0:
		status = http.StatusConflict
	case stored > 0 && failed > 0:
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(result)
}

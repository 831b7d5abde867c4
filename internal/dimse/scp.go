package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/component"
	"github.com/monai-gateway/informatics-gateway/pkg/dicom"
	"github.com/monai-gateway/informatics-gateway/pkg/dicomuid"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
)

// MonaiAELookup resolves the called AE title of an incoming association to
// its configuration, the admission and SOP-class-filtering input from
// spec.md section 4.1.
type MonaiAELookup interface {
	FindMonaiAEByTitle(ctx context.Context, aeTitle string) (*model.MonaiApplicationEntity, error)
}

// SourceAELookup resolves the calling AE title and remote host of an
// incoming association, spec.md section 4.1's other admission input.
type SourceAELookup interface {
	FindSourceAE(ctx context.Context, aeTitle, hostIP string) (*model.SourceApplicationEntity, error)
}

// AssociationRecorder persists the audit record from spec.md section 3/8,
// written on every association close.
type AssociationRecorder interface {
	Create(ctx context.Context, a *model.AssociationInfo) error
	Update(ctx context.Context, a *model.AssociationInfo) error
}

// SpaceChecker is the storage admission gate from spec.md section 5. It is
// consulted for each C-STORE request, which is refused once local storage is
// past its watermark; it does not gate new associations.
type SpaceChecker interface {
	HasSpaceToStore(ctx context.Context) (bool, error)
}

// UploadEnqueuer is the queue.Enqueue surface cstore needs; narrowed so this
// package doesn't import uploadqueue's concrete Queue type directly into its
// public surface.
type UploadEnqueuer interface {
	Enqueue(ctx context.Context, job UploadJob) error
}

// FileMetadataCreator persists the per-file record cstore builds, spec.md
// section 3's FileStorageMetadata.
type FileMetadataCreator interface {
	Create(ctx context.Context, f *model.FileStorageMetadata) error
}

// GroupAssigner is the assembler.Assembler.AddFile surface: assigns an
// incoming file to its in-flight Payload, spec.md section 4.2.
type GroupAssigner interface {
	AddFile(ctx context.Context, key string, f *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error)
}

// UploadJob mirrors uploadqueue.Job; defined here so this package doesn't
// need an import cycle-prone dependency on internal/uploadqueue's Job type
// beyond what it actually uses. cmd/gatewayd adapts uploadqueue.Queue to
// UploadEnqueuer with a thin wrapper.
type UploadJob struct {
	Metadata  *model.FileStorageMetadata
	LocalPath string
}

// Server is the DIMSE SCP from spec.md section 4.1: one TCP listener, one
// goroutine per accepted association. Grounded on
// caio-sobreiro-dicomnet/server.Server's Serve/handleConnection accept-loop
// shape, generalized to run the gateway's admission policy instead of
// always accepting, and to decode/enqueue C-STORE datasets instead of
// forwarding to a pluggable ServiceHandler.
type Server struct {
	component.Base
	address                     string
	monaiAEs                    MonaiAELookup
	sourceAEs                   SourceAELookup
	associations                AssociationRecorder
	space                       SpaceChecker
	uploads                     UploadEnqueuer
	files                       FileMetadataCreator
	assembler                   GroupAssigner
	stagingRoot                 string
	codec                       dicom.Codec
	maxAssociations             int32
	verificationServiceDisabled bool
	rejectUnknownSources        bool
	active                      int32
	log                         zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// Config holds the wiring a Server needs, assembled by cmd/gatewayd from
// the configured Monai AE set and runtime collaborators.
type Config struct {
	Address                     string
	MonaiAEs                    MonaiAELookup
	SourceAEs                   SourceAELookup
	Associations                AssociationRecorder
	Space                       SpaceChecker
	Uploads                     UploadEnqueuer
	Files                       FileMetadataCreator
	Assembler                   GroupAssigner
	StagingRoot                 string
	Codec                       dicom.Codec
	MaxAssociations             int32
	VerificationServiceDisabled bool
	RejectUnknownSources        bool
}

func New(cfg Config, log zerolog.Logger) *Server {
	codec := cfg.Codec
	if codec == nil {
		codec = dicom.DefaultCodec{}
	}
	max := cfg.MaxAssociations
	if max <= 0 {
		max = 25
	}
	return &Server{
		address:                     cfg.Address,
		monaiAEs:                    cfg.MonaiAEs,
		sourceAEs:                   cfg.SourceAEs,
		associations:                cfg.Associations,
		space:                       cfg.Space,
		uploads:                     cfg.Uploads,
		files:                       cfg.Files,
		assembler:                   cfg.Assembler,
		stagingRoot:                 cfg.StagingRoot,
		codec:                       codec,
		maxAssociations:             max,
		verificationServiceDisabled: cfg.VerificationServiceDisabled,
		rejectUnknownSources:        cfg.RejectUnknownSources,
		log:                         log.With().Str("component", "dimse-scp").Logger(),
	}
}

func (s *Server) Name() string { return "dimse-scp" }

func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("dimse: listening on %s: %w", s.address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	runCtx, done := s.BeginRun(ctx)
	go func() {
		defer close(done)
		s.serve(runCtx, listener)
	}()
	s.log.Info().Str("address", listener.Addr().String()).Msg("DIMSE SCP listening")
	return nil
}

func (s *Server) Stop(gracePeriod time.Duration) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	return s.StopAndWait(gracePeriod)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("accepting DIMSE connection")
			continue
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
	wg.Wait()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	p, err := readPDU(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remoteHost).Msg("reading association request")
		return
	}
	if p.Type != typeAssociateRQ {
		s.log.Warn().Str("remote", remoteHost).Msg("expected A-ASSOCIATE-RQ")
		return
	}
	req, err := parseAssociateRequest(p)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remoteHost).Msg("parsing association request")
		return
	}

	monaiAE, reason := s.admit(ctx, req, remoteHost)
	if reason != dicomuid.RejectNone {
		s.log.Info().Str("reason", reason.String()).Str("callingAet", req.CallingAETitle).
			Str("calledAet", req.CalledAETitle).Str("remote", remoteHost).Msg("rejecting association")
		if reason == dicomuid.RejectTooManyAssociations {
			// Result 0x02: rejected-transient, the peer may retry later.
			_ = writePDU(conn, typeAssociateRJ, []byte{0x00, 0x02, rejectSourceServiceUser, rejectReasonFor(reason)})
			return
		}
		_ = writeAssociateReject(conn, rejectReasonFor(reason))
		return
	}

	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)

	contexts := negotiateContexts(req.Contexts, monaiAE)
	if err := writeAssociateAccept(conn, req.CalledAETitle, req.CallingAETitle, contexts, req.MaxPDULength); err != nil {
		s.log.Warn().Err(err).Msg("sending A-ASSOCIATE-AC")
		return
	}

	info := &model.AssociationInfo{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		CallingAET:    req.CallingAETitle,
		CalledAET:     req.CalledAETitle,
		RemoteHost:    remoteHost,
		CreatedAt:     time.Now(),
	}
	if err := s.associations.Create(ctx, info); err != nil {
		s.log.Warn().Err(err).Msg("recording association start")
	}

	s.serveAssociation(ctx, conn, req, contexts, monaiAE, info, req.MaxPDULength)

	info.DisconnectedAt = time.Now()
	info.Duration = info.DisconnectedAt.Sub(info.CreatedAt)
	if err := s.associations.Update(ctx, info); err != nil {
		s.log.Warn().Err(err).Msg("recording association close")
	}
}

// admit applies spec.md section 4.1's ordered admission policy: reject a
// verification-only association if verification is disabled, calling AE
// must be a known source unless rejectUnknownSources is off, called AE must
// be a known Monai AE, and the association count must stay under the
// configured ceiling.
func (s *Server) admit(ctx context.Context, req *associateRequest, remoteHost string) (*model.MonaiApplicationEntity, dicomuid.AssociationRejectReason) {
	if s.verificationServiceDisabled && isVerificationOnly(req.Contexts) {
		return nil, dicomuid.RejectVerificationDisabled
	}
	if _, err := s.sourceAEs.FindSourceAE(ctx, req.CallingAETitle, remoteHost); err != nil && s.rejectUnknownSources {
		return nil, dicomuid.RejectCallingAENotRecognized
	}
	monaiAE, err := s.monaiAEs.FindMonaiAEByTitle(ctx, req.CalledAETitle)
	if err != nil {
		return nil, dicomuid.RejectCalledAENotRecognized
	}
	if atomic.LoadInt32(&s.active) >= s.maxAssociations {
		return nil, dicomuid.RejectTooManyAssociations
	}
	return monaiAE, dicomuid.RejectNone
}

// isVerificationOnly reports whether every proposed presentation context is
// the Verification SOP class, spec.md section 4.1's "request is C-ECHO
// only" admission check.
func isVerificationOnly(contexts []presentationContext) bool {
	if len(contexts) == 0 {
		return false
	}
	for _, c := range contexts {
		if c.AbstractSyntax != dicomuid.Verification {
			return false
		}
	}
	return true
}

// rejectReasonFor maps an admission-policy reason to its PS3.8 table 9-21
// wire code. RejectTooManyAssociations and RejectVerificationDisabled have
// no dedicated DICOM reason code, so both fall back to no-reason-given.
func rejectReasonFor(reason dicomuid.AssociationRejectReason) byte {
	switch reason {
	case dicomuid.RejectCallingAENotRecognized:
		return rejectReasonCallingAENotRecog
	case dicomuid.RejectCalledAENotRecognized:
		return rejectReasonCalledAENotRecog
	default:
		return rejectReasonNoReasonGiven
	}
}

// negotiateContexts accepts Verification unconditionally and every proposed
// storage SOP class the Monai AE's allow/ignore lists admit, per spec.md
// section 4.1.
func negotiateContexts(proposed []presentationContext, ae *model.MonaiApplicationEntity) []presentationContext {
	out := make([]presentationContext, 0, len(proposed))
	for _, ctx := range proposed {
		accept := ctx.AbstractSyntax == dicomuid.Verification || ae.AcceptsSOPClass(ctx.AbstractSyntax)
		result := presentationResultRejectAbstractSyntax
		transferSyntax := ""
		if accept {
			for _, ts := range ctx.proposedTransferSyntaxes {
				if isSupportedTransferSyntax(ts) {
					transferSyntax = ts
					result = presentationResultAcceptance
					break
				}
			}
			if transferSyntax == "" {
				result = presentationResultRejectTransferSyntax
			}
		}
		ctx.Result = result
		ctx.TransferSyntax = transferSyntax
		out = append(out, ctx)
	}
	return out
}

func isSupportedTransferSyntax(uid string) bool {
	for _, ts := range dicomuid.DefaultTransferSyntaxes {
		if ts == uid {
			return true
		}
	}
	return uid == dicomuid.ExplicitVRBigEndian
}

func (s *Server) serveAssociation(ctx context.Context, conn net.Conn, req *associateRequest, contexts []presentationContext, monaiAE *model.MonaiApplicationEntity, info *model.AssociationInfo, maxPDULength uint32) {
	byID := make(map[byte]presentationContext, len(contexts))
	for _, c := range contexts {
		byID[c.ID] = c
	}
	inputChain, err := plugin.ResolveInputChain(monaiAE.PlugInAssemblies)
	if err != nil {
		s.log.Error().Err(err).Str("monaiAe", monaiAE.Name).Msg("resolving input plug-in chain")
	}

	for {
		presContextID, command, dataset, err := readDIMSEMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				info.Errors = append(info.Errors, err.Error())
				s.log.Warn().Err(err).Str("correlationId", info.CorrelationID).Msg("reading DIMSE message")
			}
			_ = writeReleaseResponse(conn)
			return
		}
		msg, err := decodeCommand(command)
		if err != nil {
			info.Errors = append(info.Errors, err.Error())
			continue
		}

		ctx2 := byID[presContextID]
		switch msg.CommandField {
		case commandCEchoRQ:
			s.handleEcho(conn, presContextID, msg, maxPDULength)
		case commandCStoreRQ:
			status := s.handleStore(ctx, dataset, msg, ctx2, monaiAE, info, inputChain)
			s.respondStore(conn, presContextID, msg, status, maxPDULength)
			if status == dicomuid.StatusSuccess {
				info.FileCount++
			}
		default:
			s.log.Warn().Uint16("commandField", msg.CommandField).Msg("unsupported DIMSE command")
		}
	}
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

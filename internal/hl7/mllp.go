// Package hl7 implements the MLLP listener from spec.md section 6: a TCP
// server that accepts HL7 v2 messages framed as VT (0x0B) … FS (0x1C) CR,
// ACKs each with MSA|AA|<controlId>, and routes the message body into the
// same staging/assembler/upload pipeline internal/dimse and
// internal/dicomweb use. Grounded on internal/dimse/scp.go's
// Start/serve/handleConnection accept-loop shape (itself adapted from
// caio-sobreiro-dicomnet/server.Server), generalized from a DICOM upper
// layer association to MLLP's much simpler per-message framing.
package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/component"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

const (
	startBlock     = 0x0B
	endBlock       = 0x1C
	carriageReturn = 0x0D
)

// SpaceChecker is the same admission gate internal/dimse and
// internal/dicomweb use, spec.md section 5.
type SpaceChecker interface {
	HasSpaceToStore(ctx context.Context) (bool, error)
}

// UploadJob mirrors dimse.UploadJob/dicomweb.UploadJob.
type UploadJob struct {
	Metadata  *model.FileStorageMetadata
	LocalPath string
}

// UploadEnqueuer is the queue.Enqueue surface this listener needs.
type UploadEnqueuer interface {
	Enqueue(ctx context.Context, job UploadJob) error
}

// FileMetadataCreator persists the per-message record this listener builds.
type FileMetadataCreator interface {
	Create(ctx context.Context, f *model.FileStorageMetadata) error
}

// GroupAssigner is the assembler.Assembler.AddFile surface, spec.md
// section 4.2. HL7 messages group by their own correlation id; there is no
// DICOM grouping tag.
type GroupAssigner interface {
	AddFile(ctx context.Context, key string, f *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error)
}

// Config holds the wiring a Listener needs, assembled by cmd/gatewayd.
type Config struct {
	Address        string
	Space          SpaceChecker
	Uploads        UploadEnqueuer
	Files          FileMetadataCreator
	Assembler      GroupAssigner
	StagingRoot    string
	Workflows      []string
	TimeoutSeconds int
}

// Listener is the HL7 MLLP SCP. One goroutine per accepted connection, one
// message at a time per connection (MLLP is synchronous request/ACK).
type Listener struct {
	component.Base
	address        string
	space          SpaceChecker
	uploads        UploadEnqueuer
	files          FileMetadataCreator
	assembler      GroupAssigner
	stagingRoot    string
	workflows      []string
	timeoutSeconds int
	log            zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg Config, log zerolog.Logger) *Listener {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}
	return &Listener{
		address:        cfg.Address,
		space:          cfg.Space,
		uploads:        cfg.Uploads,
		files:          cfg.Files,
		assembler:      cfg.Assembler,
		stagingRoot:    cfg.StagingRoot,
		workflows:      cfg.Workflows,
		timeoutSeconds: timeout,
		log:            log.With().Str("component", "hl7-mllp").Logger(),
	}
}

func (l *Listener) Name() string { return "hl7-mllp" }

func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("hl7: listening on %s: %w", l.address, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	runCtx, done := l.BeginRun(ctx)
	go func() {
		defer close(done)
		l.serve(runCtx, ln)
	}()
	l.log.Info().Str("address", ln.Addr().String()).Msg("HL7 MLLP listener listening")
	return nil
}

func (l *Listener) Stop(gracePeriod time.Duration) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	return l.StopAndWait(gracePeriod)
}

func (l *Listener) serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.log.Warn().Err(err).Msg("accepting HL7 connection")
			continue
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			l.handleConnection(ctx, c)
		}(conn)
	}
	wg.Wait()
}

// handleConnection reads MLLP-framed messages off conn until it closes,
// ACKing each one after it is staged and handed to the assembler. A frame
// that cannot be read, or an ACK that cannot be written, closes the
// connection; a message that fails processing is answered with an AE ACK and
// the next frame is read. Per spec.md section 4.7, it never crashes the
// listener.
func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	reader := bufio.NewReader(conn)

	for {
		msg, err := readMLLPFrame(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Debug().Err(err).Str("remote", remoteHost).Msg("HL7 connection closed")
			}
			return
		}

		controlID, ackErr := l.handleMessage(ctx, msg, remoteHost)
		ack := buildACK(controlID, ackErr)
		if _, err := conn.Write(frameMLLP(ack)); err != nil {
			l.log.Warn().Err(err).Str("remote", remoteHost).Msg("writing HL7 ACK")
			return
		}
	}
}

// handleMessage runs one HL7 message through the storage-admission,
// staging, assembler and upload-enqueue steps the other ingestors use,
// spec.md section 4.3. It returns the message control id for the ACK and
// any processing error.
func (l *Listener) handleMessage(ctx context.Context, msg []byte, remoteHost string) (string, error) {
	controlID, err := messageControlID(msg)
	if err != nil {
		l.log.Warn().Err(err).Str("remote", remoteHost).Msg("parsing HL7 MSH segment")
		return "", err
	}

	if ok, err := l.space.HasSpaceToStore(ctx); err != nil {
		return controlID, err
	} else if !ok {
		return controlID, fmt.Errorf("hl7: storage watermark exceeded")
	}

	identifier := uuid.NewString()
	correlationID := uuid.NewString()
	localPath := filepath.Join(l.stagingRoot, identifier+".hl7")
	if err := os.WriteFile(localPath, msg, 0o600); err != nil {
		return controlID, fmt.Errorf("hl7: staging received message: %w", err)
	}

	meta := &model.FileStorageMetadata{
		Identifier:       identifier,
		CorrelationID:    correlationID,
		MessageControlID: controlID,
		Source:           remoteHost,
		Destination:      "hl7",
		DataService:      model.DataServiceHl7,
		Workflows:        l.workflows,
		File:             model.StorageLocation{TemporaryPath: localPath, ContentType: "application/hl7-v2"},
		CreatedAt:        time.Now(),
	}

	origin := model.DataOrigin{Service: model.DataServiceHl7, Source: remoteHost, Destination: "hl7"}
	if _, err := l.assembler.AddFile(ctx, correlationID, meta, l.timeoutSeconds, l.workflows, origin); err != nil {
		return controlID, fmt.Errorf("hl7: assigning message to payload: %w", err)
	}
	if err := l.files.Create(ctx, meta); err != nil {
		return controlID, fmt.Errorf("hl7: persisting message metadata: %w", err)
	}
	if err := l.uploads.Enqueue(ctx, UploadJob{Metadata: meta, LocalPath: localPath}); err != nil {
		return controlID, fmt.Errorf("hl7: enqueueing upload: %w", err)
	}
	return controlID, nil
}

// readMLLPFrame reads one VT … FS CR framed message, stripping the frame
// bytes, per spec.md section 6.
func readMLLPFrame(r *bufio.Reader) ([]byte, error) {
	sb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if sb != startBlock {
		return nil, fmt.Errorf("hl7: expected start-block 0x0B, got 0x%02x", sb)
	}
	body, err := r.ReadBytes(endBlock)
	if err != nil {
		return nil, err
	}
	body = body[:len(body)-1]
	cr, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if cr != carriageReturn {
		return nil, fmt.Errorf("hl7: expected trailing carriage return, got 0x%02x", cr)
	}
	return body, nil
}

// frameMLLP wraps msg in the VT … FS CR envelope for transmission.
func frameMLLP(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+2)
	out = append(out, startBlock)
	out = append(out, msg...)
	out = append(out, endBlock, carriageReturn)
	return out
}

// messageControlID extracts MSH-10 (the message control id) from the
// message's MSH segment, using the field separator MSH itself names
// (MSH's own field 1, the byte immediately after "MSH").
func messageControlID(msg []byte) (string, error) {
	text := strings.ReplaceAll(string(msg), "\r\n", "\r")
	for _, segment := range strings.Split(text, "\r") {
		if !strings.HasPrefix(segment, "MSH") {
			continue
		}
		if len(segment) < 4 {
			return "", fmt.Errorf("hl7: malformed MSH segment")
		}
		fieldSep := segment[3:4]
		fields := strings.Split(segment, fieldSep)
		// fields[0] is "MSH", fields[1] is the encoding characters
		// (MSH-2), so MSH-10 is fields[9].
		if len(fields) < 10 {
			return "", fmt.Errorf("hl7: MSH segment missing message control id (MSH-10)")
		}
		return fields[9], nil
	}
	return "", fmt.Errorf("hl7: no MSH segment found")
}

// buildACK builds an MSA|AA|<controlId> acknowledgment, or MSA|AE on a
// processing error, per spec.md section 6.
func buildACK(controlID string, procErr error) []byte {
	code := "AA"
	if procErr != nil {
		code = "AE"
	}
	msh := fmt.Sprintf("MSH|^~\\&|INFORMATICSGATEWAY|||||%s|ACK", timestamp())
	msa := fmt.Sprintf("MSA|%s|%s", code, controlID)
	return []byte(msh + "\r" + msa + "\r")
}

func timestamp() string {
	return time.Now().UTC().Format("20060102150405")
}

package hl7

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

type fakeSpaceChecker struct {
	hasSpace bool
	err      error
}

func (f *fakeSpaceChecker) HasSpaceToStore(ctx context.Context) (bool, error) { return f.hasSpace, f.err }

type fakeUploadEnqueuer struct {
	jobs []UploadJob
}

func (f *fakeUploadEnqueuer) Enqueue(ctx context.Context, job UploadJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeFileMetadataCreator struct {
	files []*model.FileStorageMetadata
}

func (f *fakeFileMetadataCreator) Create(ctx context.Context, m *model.FileStorageMetadata) error {
	f.files = append(f.files, m)
	return nil
}

type fakeGroupAssigner struct {
	calls int
}

func (f *fakeGroupAssigner) AddFile(ctx context.Context, key string, m *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error) {
	f.calls++
	return &model.Payload{PayloadID: "p1", Key: key}, nil
}

const sampleADT = "MSH|^~\\&|SENDER|FACILITY|RECEIVER|FACILITY|20260101120000||ADT^A01|MSG00001|P|2.3\r" +
	"PID|1||123456||DOE^JOHN||19700101|M\r"

func TestMessageControlIDExtractsMSH10(t *testing.T) {
	id, err := messageControlID([]byte(sampleADT))
	if err != nil {
		t.Fatalf("messageControlID: %v", err)
	}
	if id != "MSG00001" {
		t.Fatalf("control id = %q, want MSG00001", id)
	}
}

func TestMessageControlIDMissingMSH(t *testing.T) {
	if _, err := messageControlID([]byte("PID|1||123456\r")); err == nil {
		t.Fatalf("expected error for message with no MSH segment")
	}
}

func TestFrameAndReadMLLPRoundTrip(t *testing.T) {
	framed := frameMLLP([]byte(sampleADT))
	if framed[0] != startBlock {
		t.Fatalf("frame missing leading start-block byte")
	}
	r := bufio.NewReader(bytes.NewReader(framed))
	got, err := readMLLPFrame(r)
	if err != nil {
		t.Fatalf("readMLLPFrame: %v", err)
	}
	if string(got) != sampleADT {
		t.Fatalf("round-tripped message = %q, want %q", got, sampleADT)
	}
}

func TestReadMLLPFrameRejectsBadStartByte(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("not-mllp-framed")))
	if _, err := readMLLPFrame(r); err == nil {
		t.Fatalf("expected error for missing start-block byte")
	}
}

func TestBuildACKSuccessAndFailure(t *testing.T) {
	ack := string(buildACK("MSG00001", nil))
	if !strings.Contains(ack, "MSA|AA|MSG00001") {
		t.Fatalf("success ACK missing MSA|AA segment: %q", ack)
	}
	ackErr := string(buildACK("MSG00001", errTest{}))
	if !strings.Contains(ackErr, "MSA|AE|MSG00001") {
		t.Fatalf("failure ACK missing MSA|AE segment: %q", ackErr)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func newTestListener(space SpaceChecker, uploads UploadEnqueuer, files FileMetadataCreator, assembler GroupAssigner, dir string) *Listener {
	return New(Config{
		Space:       space,
		Uploads:     uploads,
		Files:       files,
		Assembler:   assembler,
		StagingRoot: dir,
		Workflows:   []string{"wf-hl7"},
	}, zerolog.Nop())
}

// TestHandleConnectionAcksAndStages drives one message over a net.Pipe
// through the real Listener.handleConnection, verifying it stages the
// message, hands it to the assembler, enqueues it for upload, and ACKs
// with the incoming control id.
func TestHandleConnectionAcksAndStages(t *testing.T) {
	files := &fakeFileMetadataCreator{}
	assembler := &fakeGroupAssigner{}
	uploads := &fakeUploadEnqueuer{}
	l := newTestListener(&fakeSpaceChecker{hasSpace: true}, uploads, files, assembler, t.TempDir())

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.handleConnection(context.Background(), server)
	}()

	if _, err := client.Write(frameMLLP([]byte(sampleADT))); err != nil {
		t.Fatalf("writing framed message: %v", err)
	}

	r := bufio.NewReader(client)
	ack, err := readMLLPFrame(r)
	if err != nil {
		t.Fatalf("reading ACK: %v", err)
	}
	if !strings.Contains(string(ack), "MSA|AA|MSG00001") {
		t.Fatalf("unexpected ACK: %q", ack)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleConnection did not return after client closed")
	}

	if len(files.files) != 1 || files.files[0].MessageControlID != "MSG00001" {
		t.Fatalf("unexpected persisted metadata: %+v", files.files)
	}
	if assembler.calls != 1 || len(uploads.jobs) != 1 {
		t.Fatalf("expected one assembler call and one upload job, got %d/%d", assembler.calls, len(uploads.jobs))
	}
}

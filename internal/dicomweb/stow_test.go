package dicomweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/dicom"
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

type fakeVirtualAELookup struct {
	ae  *model.VirtualApplicationEntity
	err error
}

func (f *fakeVirtualAELookup) FindVirtualAEByName(ctx context.Context, name string) (*model.VirtualApplicationEntity, error) {
	return f.ae, f.err
}

func buildExplicitVRElement(group, element uint16, vr string, value string) []byte {
	b := make([]byte, 0, 8+len(value))
	b = append(b, byte(group), byte(group>>8), byte(element), byte(element>>8))
	b = append(b, vr[0], vr[1])
	b = append(b, byte(len(value)), byte(len(value)>>8))
	return append(b, []byte(value)...)
}

// multipartRelatedBody builds a multipart/related; type="application/dicom"
// body with one part per instance, returning the body and its boundary.
func multipartRelatedBody(t *testing.T, instances [][]byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, raw := range instances {
		part, err := w.CreatePart(map[string][]string{"Content-Type": {"application/dicom"}})
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := part.Write(raw); err != nil {
			t.Fatalf("part.Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("multipart writer Close: %v", err)
	}
	return buf, w.Boundary()
}

func newTestHandler(space SpaceChecker, uploads UploadEnqueuer, files FileMetadataCreator, assembler GroupAssigner, virtualAEs VirtualAELookup, dir string) *Handler {
	return New(Config{
		VirtualAEs:  virtualAEs,
		Space:       space,
		Uploads:     uploads,
		Files:       files,
		Assembler:   assembler,
		StagingRoot: dir,
		Codec:       dicom.DefaultCodec{},
	}, zerolog.Nop())
}

func postSTOW(t *testing.T, h *Handler, target string, instances [][]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, boundary := multipartRelatedBody(t, instances)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary))

	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func instanceBytes(studyUID, sopInstanceUID string) []byte {
	var b []byte
	b = append(b, buildExplicitVRElement(0x0020, 0x000D, "UI", studyUID)...)
	b = append(b, buildExplicitVRElement(0x0008, 0x0018, "UI", sopInstanceUID)...)
	return b
}

func TestStowAllStoredReturns200(t *testing.T) {
	files := &fakeFileMetadataCreator{}
	assembler := &fakeGroupAssigner{}
	uploads := &fakeUploadEnqueuer{}
	h := newTestHandler(&fakeSpaceChecker{hasSpace: true}, uploads, files, assembler, &fakeVirtualAELookup{}, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/studies", [][]byte{instanceBytes("1.2.3", "1.2.3.4")})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	var result stowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.ReferencedSOPSequence) != 1 || len(result.FailedSOPSequence) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(files.files) != 1 || files.files[0].StudyUID != "1.2.3" {
		t.Fatalf("unexpected persisted metadata: %+v", files.files)
	}
	if assembler.calls != 1 || len(uploads.jobs) != 1 {
		t.Fatalf("expected one assembler call and one upload job, got %d/%d", assembler.calls, len(uploads.jobs))
	}
}

func TestStowEmptyBodyReturns204(t *testing.T) {
	h := newTestHandler(&fakeSpaceChecker{hasSpace: true}, &fakeUploadEnqueuer{}, &fakeFileMetadataCreator{}, &fakeGroupAssigner{}, &fakeVirtualAELookup{}, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/studies", nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestStowAllFailedReturns409WhenStorageFull(t *testing.T) {
	h := newTestHandler(&fakeSpaceChecker{hasSpace: false}, &fakeUploadEnqueuer{}, &fakeFileMetadataCreator{}, &fakeGroupAssigner{}, &fakeVirtualAELookup{}, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/studies", [][]byte{instanceBytes("1.2.3", "1.2.3.4")})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var result stowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.FailedSOPSequence) != 1 {
		t.Fatalf("expected one failed SOP instance, got %+v", result)
	}
}

func TestStowPartialFailureReturns202(t *testing.T) {
	h := newTestHandler(&fakeSpaceChecker{hasSpace: true}, &fakeUploadEnqueuer{}, &fakeFileMetadataCreator{}, &fakeGroupAssigner{}, &fakeVirtualAELookup{}, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/studies/1.2.3", [][]byte{
		instanceBytes("1.2.3", "1.2.3.4"),
		instanceBytes("9.9.9", "9.9.9.9"), // mismatched StudyInstanceUID vs URL
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rec.Code, rec.Body.String())
	}
	var result stowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(result.ReferencedSOPSequence) != 1 || len(result.FailedSOPSequence) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestStowResolvesVirtualAEWorkflowFromPath(t *testing.T) {
	files := &fakeFileMetadataCreator{}
	virtualAEs := &fakeVirtualAELookup{ae: &model.VirtualApplicationEntity{Name: "ct-research", Workflows: []string{"wf-ct"}}}
	h := newTestHandler(&fakeSpaceChecker{hasSpace: true}, &fakeUploadEnqueuer{}, files, &fakeGroupAssigner{}, virtualAEs, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/ct-research/studies", [][]byte{instanceBytes("1.2.3", "1.2.3.4")})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if len(files.files) != 1 || len(files.files[0].Workflows) != 1 || files.files[0].Workflows[0] != "wf-ct" {
		t.Fatalf("expected workflow from virtual AE, got %+v", files.files)
	}
}

func TestStowUnknownWorkflowReturns404(t *testing.T) {
	virtualAEs := &fakeVirtualAELookup{err: fmt.Errorf("not found")}
	h := newTestHandler(&fakeSpaceChecker{hasSpace: true}, &fakeUploadEnqueuer{}, &fakeFileMetadataCreator{}, &fakeGroupAssigner{}, virtualAEs, t.TempDir())

	rec := postSTOW(t, h, "/dicomweb/missing-workflow/studies", [][]byte{instanceBytes("1.2.3", "1.2.3.4")})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

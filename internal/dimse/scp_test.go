package dimse

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/dicomuid"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

type fakeMonaiAELookup struct {
	ae  *model.MonaiApplicationEntity
	err error
}

func (f *fakeMonaiAELookup) FindMonaiAEByTitle(ctx context.Context, aeTitle string) (*model.MonaiApplicationEntity, error) {
	return f.ae, f.err
}

type fakeSourceAELookup struct {
	ae  *model.SourceApplicationEntity
	err error
}

func (f *fakeSourceAELookup) FindSourceAE(ctx context.Context, aeTitle, hostIP string) (*model.SourceApplicationEntity, error) {
	return f.ae, f.err
}

type fakeAssociationRecorder struct {
	created []*model.AssociationInfo
	updated []*model.AssociationInfo
}

func (f *fakeAssociationRecorder) Create(ctx context.Context, a *model.AssociationInfo) error {
	f.created = append(f.created, a)
	return nil
}

func (f *fakeAssociationRecorder) Update(ctx context.Context, a *model.AssociationInfo) error {
	f.updated = append(f.updated, a)
	return nil
}

type fakeSpaceChecker struct {
	hasSpace bool
	err      error
}

func (f *fakeSpaceChecker) HasSpaceToStore(ctx context.Context) (bool, error) {
	return f.hasSpace, f.err
}

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

func (f *fakeFileMetadataCreator) Create(ctx context.Context, meta *model.FileStorageMetadata) error {
	f.files = append(f.files, meta)
	return nil
}

type fakeGroupAssigner struct {
	calls int
}

func (f *fakeGroupAssigner) AddFile(ctx context.Context, key string, meta *model.FileStorageMetadata, timeoutSeconds int, workflows []string, origin model.DataOrigin) (*model.Payload, error) {
	f.calls++
	return &model.Payload{PayloadID: "p1", Key: key}, nil
}

func TestAdmitRejectsUnknownCallingAE(t *testing.T) {
	s := New(Config{
		SourceAEs:            &fakeSourceAELookup{err: errors.New("not found")},
		MonaiAEs:             &fakeMonaiAELookup{ae: &model.MonaiApplicationEntity{}},
		RejectUnknownSources: true,
	}, zerolog.Nop())

	_, reason := s.admit(context.Background(), &associateRequest{CallingAETitle: "UNKNOWN", CalledAETitle: "MONAISCP"}, "10.0.0.1")
	if reason != dicomuid.RejectCallingAENotRecognized {
		t.Fatalf("reason = %v, want RejectCallingAENotRecognized", reason)
	}
}

func TestAdmitAcceptsUnknownCallingAEWhenRejectUnknownSourcesDisabled(t *testing.T) {
	s := New(Config{
		SourceAEs: &fakeSourceAELookup{err: errors.New("not found")},
		MonaiAEs:  &fakeMonaiAELookup{ae: &model.MonaiApplicationEntity{}},
	}, zerolog.Nop())

	_, reason := s.admit(context.Background(), &associateRequest{CallingAETitle: "UNKNOWN", CalledAETitle: "MONAISCP"}, "10.0.0.1")
	if reason != dicomuid.RejectNone {
		t.Fatalf("reason = %v, want RejectNone when RejectUnknownSources is off", reason)
	}
}

func TestAdmitRejectsUnknownCalledAE(t *testing.T) {
	s := New(Config{
		SourceAEs: &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:  &fakeMonaiAELookup{err: errors.New("not found")},
	}, zerolog.Nop())

	_, reason := s.admit(context.Background(), &associateRequest{CallingAETitle: "SCANNER1", CalledAETitle: "UNKNOWN"}, "10.0.0.1")
	if reason != dicomuid.RejectCalledAENotRecognized {
		t.Fatalf("reason = %v, want RejectCalledAENotRecognized", reason)
	}
}

func TestAdmitRejectsTooManyAssociations(t *testing.T) {
	s := New(Config{
		SourceAEs:       &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:        &fakeMonaiAELookup{ae: &model.MonaiApplicationEntity{}},
		MaxAssociations: 1,
	}, zerolog.Nop())
	s.active = 1

	_, reason := s.admit(context.Background(), &associateRequest{CallingAETitle: "SCANNER1", CalledAETitle: "MONAISCP"}, "10.0.0.1")
	if reason != dicomuid.RejectTooManyAssociations {
		t.Fatalf("reason = %v, want RejectTooManyAssociations", reason)
	}
}

func TestAdmitRejectsVerificationOnlyWhenDisabled(t *testing.T) {
	s := New(Config{
		SourceAEs:                   &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:                    &fakeMonaiAELookup{ae: &model.MonaiApplicationEntity{}},
		VerificationServiceDisabled: true,
	}, zerolog.Nop())

	req := &associateRequest{
		CallingAETitle: "SCANNER1",
		CalledAETitle:  "MONAISCP",
		Contexts:       []presentationContext{{ID: 1, AbstractSyntax: dicomuid.Verification}},
	}
	_, reason := s.admit(context.Background(), req, "10.0.0.1")
	if reason != dicomuid.RejectVerificationDisabled {
		t.Fatalf("reason = %v, want RejectVerificationDisabled", reason)
	}
}

func TestAdmitAllowsStorageAssociationWhenVerificationDisabled(t *testing.T) {
	monaiAE := &model.MonaiApplicationEntity{}
	s := New(Config{
		SourceAEs:                   &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:                    &fakeMonaiAELookup{ae: monaiAE},
		VerificationServiceDisabled: true,
	}, zerolog.Nop())

	req := &associateRequest{
		CallingAETitle: "SCANNER1",
		CalledAETitle:  "MONAISCP",
		Contexts:       []presentationContext{{ID: 1, AbstractSyntax: dicomuid.CTImageStorage}},
	}
	_, reason := s.admit(context.Background(), req, "10.0.0.1")
	if reason != dicomuid.RejectNone {
		t.Fatalf("reason = %v, want RejectNone for a non-verification-only association", reason)
	}
}

func TestAdmitAcceptsKnownAEsUnderCeiling(t *testing.T) {
	monaiAE := &model.MonaiApplicationEntity{}
	s := New(Config{
		SourceAEs: &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:  &fakeMonaiAELookup{ae: monaiAE},
	}, zerolog.Nop())

	got, reason := s.admit(context.Background(), &associateRequest{CallingAETitle: "SCANNER1", CalledAETitle: "MONAISCP"}, "10.0.0.1")
	if reason != dicomuid.RejectNone {
		t.Fatalf("reason = %v, want RejectNone", reason)
	}
	if got != monaiAE {
		t.Fatalf("admit returned a different AE than the lookup provided")
	}
}

func TestNegotiateContextsAcceptsVerificationUnconditionally(t *testing.T) {
	ae := &model.MonaiApplicationEntity{AllowedSopClasses: []string{dicomuid.CTImageStorage}}
	proposed := []presentationContext{
		{ID: 1, AbstractSyntax: dicomuid.Verification, proposedTransferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian}},
	}
	out := negotiateContexts(proposed, ae)
	if len(out) != 1 || out[0].Result != presentationResultAcceptance {
		t.Fatalf("expected Verification context to be accepted, got %+v", out)
	}
}

func TestNegotiateContextsRejectsDisallowedSOPClass(t *testing.T) {
	ae := &model.MonaiApplicationEntity{AllowedSopClasses: []string{dicomuid.CTImageStorage}}
	proposed := []presentationContext{
		{ID: 1, AbstractSyntax: dicomuid.MRImageStorage, proposedTransferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian}},
	}
	out := negotiateContexts(proposed, ae)
	if out[0].Result != presentationResultRejectAbstractSyntax {
		t.Fatalf("expected MR context to be rejected, got result 0x%02x", out[0].Result)
	}
}

func TestNegotiateContextsRejectsUnsupportedTransferSyntax(t *testing.T) {
	ae := &model.MonaiApplicationEntity{}
	proposed := []presentationContext{
		{ID: 1, AbstractSyntax: dicomuid.CTImageStorage, proposedTransferSyntaxes: []string{"1.2.840.10008.1.2.4.70"}},
	}
	out := negotiateContexts(proposed, ae)
	if out[0].Result != presentationResultRejectTransferSyntax {
		t.Fatalf("expected transfer-syntax rejection, got result 0x%02x", out[0].Result)
	}
}

// buildExplicitVRElement encodes one short-form explicit-VR element, the
// subset dicom.DefaultCodec.Decode understands.
func buildExplicitVRElement(group, element uint16, vr string, value string) []byte {
	b := make([]byte, 0, 8+len(value))
	b = append(b, byte(group), byte(group>>8), byte(element), byte(element>>8))
	b = append(b, vr[0], vr[1])
	b = append(b, byte(len(value)), byte(len(value)>>8))
	return append(b, []byte(value)...)
}

func echoRequest(messageID uint16) *commandMessage {
	return &commandMessage{
		CommandField:        commandCEchoRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: dicomuid.Verification,
		CommandDataSetType:  0x0101,
	}
}

func storeRequest(messageID uint16, sopClass, sopInstance string) *commandMessage {
	return &commandMessage{
		CommandField:           commandCStoreRQ,
		MessageID:              messageID,
		AffectedSOPClassUID:    sopClass,
		AffectedSOPInstanceUID: sopInstance,
		CommandDataSetType:     0x0001,
	}
}

type assocContext struct {
	id              byte
	abstractSyntax  string
	transferSyntaxes []string
}

func driveAssociation(t *testing.T, s *Server, calledAE, callingAE string, contexts []assocContext, exchange func(conn net.Conn, accepted []presentationContext)) {
	t.Helper()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		s.handleConnection(context.Background(), server)
	}()

	raw := buildAssociateRequestPDU(calledAE, callingAE, toPDUContexts(contexts), 16384)
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("writing A-ASSOCIATE-RQ: %v", err)
	}

	p, err := readPDU(client)
	if err != nil {
		t.Fatalf("reading association response: %v", err)
	}
	if p.Type != typeAssociateAC {
		t.Fatalf("expected A-ASSOCIATE-AC, got PDU type 0x%02x", p.Type)
	}
	accepted := parseAcceptedContexts(t, p.Data)

	exchange(client, accepted)

	if err := writePDU(client, typeReleaseRQ, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("writing A-RELEASE-RQ: %v", err)
	}
	if _, err := readPDU(client); err != nil {
		t.Fatalf("reading A-RELEASE-RP: %v", err)
	}
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not finish handling the association")
	}
}

func toPDUContexts(in []assocContext) []struct {
	id              byte
	abstractSyntax  string
	transferSyntaxes []string
} {
	out := make([]struct {
		id              byte
		abstractSyntax  string
		transferSyntaxes []string
	}, len(in))
	for i, c := range in {
		out[i].id = c.id
		out[i].abstractSyntax = c.abstractSyntax
		out[i].transferSyntaxes = c.transferSyntaxes
	}
	return out
}

// parseAcceptedContexts reads just enough of an A-ASSOCIATE-AC body to
// recover each presentation context's id and result, the fields the test
// exchange functions need to address a P-DATA-TF to the right context.
func parseAcceptedContexts(t *testing.T, data []byte) []presentationContext {
	t.Helper()
	var out []presentationContext
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		valueStart := offset + 4
		valueEnd := valueStart + length
		if valueEnd > len(data) {
			t.Fatalf("malformed A-ASSOCIATE-AC body")
		}
		if itemType == 0x21 {
			item := data[valueStart:valueEnd]
			out = append(out, presentationContext{ID: item[0], Result: item[1]})
		}
		offset = valueEnd
	}
	return out
}

func TestServerEchoRoundTrip(t *testing.T) {
	monaiAE := &model.MonaiApplicationEntity{AEBase: model.AEBase{Name: "gw", AETitle: "MONAISCP"}, Grouping: model.DefaultGroupingTag}
	space := &fakeSpaceChecker{hasSpace: true}
	s := New(Config{
		SourceAEs: &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:  &fakeMonaiAELookup{ae: monaiAE},
		Associations: &fakeAssociationRecorder{},
		Space:        space,
		Uploads:      &fakeUploadEnqueuer{},
		Files:        &fakeFileMetadataCreator{},
		Assembler:    &fakeGroupAssigner{},
	}, zerolog.Nop())

	contexts := []assocContext{{id: 1, abstractSyntax: dicomuid.Verification, transferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian}}}

	driveAssociation(t, s, "MONAISCP", "SCANNER1", contexts, func(conn net.Conn, accepted []presentationContext) {
		if accepted[0].Result != presentationResultAcceptance {
			t.Fatalf("expected Verification context to be accepted")
		}
		req := echoRequest(1)
		if err := sendPData(conn, accepted[0].ID, 16384, encodeCommand(req), true); err != nil {
			t.Fatalf("sending C-ECHO-RQ: %v", err)
		}
		_, command, _, err := readDIMSEMessage(conn)
		if err != nil {
			t.Fatalf("reading C-ECHO-RSP: %v", err)
		}
		resp, err := decodeCommand(command)
		if err != nil {
			t.Fatalf("decoding C-ECHO-RSP: %v", err)
		}
		if resp.CommandField != commandCEchoRSP {
			t.Fatalf("CommandField = 0x%04x, want C-ECHO-RSP", resp.CommandField)
		}
		if dicomuid.Status(resp.Status) != dicomuid.StatusSuccess {
			t.Fatalf("C-ECHO-RSP status = 0x%04x, want Success", resp.Status)
		}
	})
}

func TestServerStoreRoundTrip(t *testing.T) {
	monaiAE := &model.MonaiApplicationEntity{AEBase: model.AEBase{Name: "gw", AETitle: "MONAISCP"}, Grouping: model.DefaultGroupingTag, TimeoutSeconds: 5}
	uploads := &fakeUploadEnqueuer{}
	files := &fakeFileMetadataCreator{}
	assembler := &fakeGroupAssigner{}
	s := New(Config{
		SourceAEs:    &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:     &fakeMonaiAELookup{ae: monaiAE},
		Associations: &fakeAssociationRecorder{},
		Space:        &fakeSpaceChecker{hasSpace: true},
		Uploads:      uploads,
		Files:        files,
		Assembler:    assembler,
		StagingRoot:  t.TempDir(),
	}, zerolog.Nop())

	contexts := []assocContext{{id: 1, abstractSyntax: dicomuid.CTImageStorage, transferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian}}}

	dataset := append(
		buildExplicitVRElement(0x0020, 0x000D, "UI", "1.2.3.4"),
		buildExplicitVRElement(0x0008, 0x0018, "UI", "1.2.3.4.5")...,
	)

	driveAssociation(t, s, "MONAISCP", "SCANNER1", contexts, func(conn net.Conn, accepted []presentationContext) {
		if accepted[0].Result != presentationResultAcceptance {
			t.Fatalf("expected CT Image Storage context to be accepted")
		}
		req := storeRequest(1, dicomuid.CTImageStorage, "1.2.3.4.5")
		if err := sendPData(conn, accepted[0].ID, 16384, encodeCommand(req), true); err != nil {
			t.Fatalf("sending C-STORE-RQ command: %v", err)
		}
		if err := sendPData(conn, accepted[0].ID, 16384, dataset, false); err != nil {
			t.Fatalf("sending C-STORE-RQ dataset: %v", err)
		}
		_, command, _, err := readDIMSEMessage(conn)
		if err != nil {
			t.Fatalf("reading C-STORE-RSP: %v", err)
		}
		resp, err := decodeCommand(command)
		if err != nil {
			t.Fatalf("decoding C-STORE-RSP: %v", err)
		}
		if dicomuid.Status(resp.Status) != dicomuid.StatusSuccess {
			t.Fatalf("C-STORE-RSP status = 0x%04x, want Success", resp.Status)
		}
	})

	if len(files.files) != 1 {
		t.Fatalf("expected 1 file-metadata record persisted, got %d", len(files.files))
	}
	if files.files[0].StudyUID != "1.2.3.4" {
		t.Fatalf("StudyUID = %q, want %q", files.files[0].StudyUID, "1.2.3.4")
	}
	if assembler.calls != 1 {
		t.Fatalf("expected 1 assembler.AddFile call, got %d", assembler.calls)
	}
	if len(uploads.jobs) != 1 {
		t.Fatalf("expected 1 enqueued upload, got %d", len(uploads.jobs))
	}
}

func TestServerRejectsUnknownCalledAEOverTheWire(t *testing.T) {
	s := New(Config{
		SourceAEs: &fakeSourceAELookup{ae: &model.SourceApplicationEntity{}},
		MonaiAEs:  &fakeMonaiAELookup{err: errors.New("not found")},
	}, zerolog.Nop())

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		s.handleConnection(context.Background(), server)
	}()

	raw := buildAssociateRequestPDU("UNKNOWN", "SCANNER1", toPDUContexts([]assocContext{
		{id: 1, abstractSyntax: dicomuid.Verification, transferSyntaxes: []string{dicomuid.ExplicitVRLittleEndian}},
	}), 16384)
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("writing A-ASSOCIATE-RQ: %v", err)
	}

	p, err := readPDU(client)
	if err != nil {
		t.Fatalf("reading association response: %v", err)
	}
	if p.Type != typeAssociateRJ {
		t.Fatalf("expected A-ASSOCIATE-RJ, got PDU type 0x%02x", p.Type)
	}
	if p.Data[3] != rejectReasonCalledAENotRecog {
		t.Fatalf("reject reason = 0x%02x, want CalledAENotRecognized", p.Data[3])
	}

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not close the rejected connection")
	}
}

package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
)

func TestDicomWebSenderSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewDicomWebSender(5 * time.Second)
	resource := model.OutputResource{ResourceType: model.ResourceDicomWeb, URI: srv.URL, AuthType: model.AuthNone}
	msg := &plugin.ExportRequestDataMessage{ExportTaskID: "t1", FilePath: "f1", Data: []byte("dcm")}

	if err := sender.Send(context.Background(), resource, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// TestDicomWebSenderSendTreats202AsFailure exercises spec.md section 4.6
// step 4: a 202 Accepted is a partial success and is not treated as
// success in this core.
func TestDicomWebSenderSendTreats202AsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewDicomWebSender(5 * time.Second)
	resource := model.OutputResource{ResourceType: model.ResourceDicomWeb, URI: srv.URL, AuthType: model.AuthNone}
	msg := &plugin.ExportRequestDataMessage{ExportTaskID: "t1", FilePath: "f1", Data: []byte("dcm")}

	if err := sender.Send(context.Background(), resource, msg); err == nil {
		t.Fatalf("expected 202 Accepted to be treated as a failure")
	}
}

func TestDicomWebSenderSendTreats5xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := NewDicomWebSender(5 * time.Second)
	resource := model.OutputResource{ResourceType: model.ResourceDicomWeb, URI: srv.URL}
	msg := &plugin.ExportRequestDataMessage{ExportTaskID: "t1", FilePath: "f1", Data: []byte("dcm")}

	if err := sender.Send(context.Background(), resource, msg); err == nil {
		t.Fatalf("expected 503 to be treated as a failure")
	}
}

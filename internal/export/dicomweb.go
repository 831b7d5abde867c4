package export

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
)

// DicomWebSender sends export files to a DICOMweb STOW-RS endpoint via
// HTTP multipart/related. It is the Sender spec.md section 4.5 calls the
// destination-specific export specialization; Pipeline resolves the
// destination and runs the output plug-in chain before calling Send.
type DicomWebSender struct {
	client *http.Client
}

// NewDicomWebSender builds a sender with the given timeout.
func NewDicomWebSender(timeout time.Duration) *DicomWebSender {
	return &DicomWebSender{client: &http.Client{Timeout: timeout}}
}

func (s *DicomWebSender) Send(ctx context.Context, resource model.OutputResource, msg *plugin.ExportRequestDataMessage) error {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	boundary := writer.Boundary()
	part, err := writer.CreatePart(map[string][]string{
		"Content-Type": {"application/dicom"},
	})
	if err != nil {
		return fmt.Errorf("export: building multipart body for %q: %w", msg.FilePath, err)
	}
	if _, err := part.Write(msg.Data); err != nil {
		return fmt.Errorf("export: writing multipart body for %q: %w", msg.FilePath, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("export: closing multipart body for %q: %w", msg.FilePath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resource.URI+"/studies", body)
	if err != nil {
		return fmt.Errorf("export: building STOW-RS request to %q: %w", resource.URI, err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("multipart/related; type=\"application/dicom\"; boundary=%s", boundary))
	applyAuth(req, resource)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("export: sending to %q: %w", resource.URI, err)
	}
	defer resp.Body.Close()
	// 202 Accepted means the remote only partially accepted the study; per
	// spec.md section 4.6 step 4 that is not treated as success in this core,
	// so it is classified as a ServiceError alongside any non-2xx response.
	if resp.StatusCode == http.StatusAccepted {
		return fmt.Errorf("export: STOW-RS to %q returned 202 Accepted, treated as failure (partial success is not success)", resource.URI)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("export: STOW-RS to %q returned status %d", resource.URI, resp.StatusCode)
	}
	return nil
}

func applyAuth(req *http.Request, resource model.OutputResource) {
	switch resource.AuthType {
	case model.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+resource.AuthID)
	case model.AuthBasic:
		req.Header.Set("Authorization", "Basic "+resource.AuthID)
	case model.AuthNone:
	}
}

package export

import (
	"encoding/json"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

func unmarshalExportRequest(payload []byte) (model.ExportRequestEvent, error) {
	var event model.ExportRequestEvent
	err := json.Unmarshal(payload, &event)
	return event, err
}

func marshalExportComplete(event model.ExportCompleteEvent) ([]byte, error) {
	return json.Marshal(event)
}

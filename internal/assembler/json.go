package assembler

import (
	"encoding/json"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

func marshalEvent(event model.WorkflowRequestEvent) ([]byte, error) {
	return json.Marshal(event)
}

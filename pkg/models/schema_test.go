package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/models"
)

func TestValidateDefinitionDocument(t *testing.T) {
	t.Parallel()

	t.Run("valid document", func(t *testing.T) {
		t.Parallel()

		document := []byte(`{
			"id": "wf-1",
			"name": "Expense Approval",
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "end", "type": "end"}
			],
			"edges": [{"id": "e1", "from": "start", "to": "end"}]
		}`)

		require.NoError(t, models.ValidateDefinitionDocument(document))
	})

	t.Run("missing required fields", func(t *testing.T) {
		t.Parallel()

		document := []byte(`{"id": "wf-1"}`)

		err := models.ValidateDefinitionDocument(document)

		var validationErr *models.ValidationError

		require.ErrorAs(t, err, &validationErr)
	})

	t.Run("unknown node type", func(t *testing.T) {
		t.Parallel()

		document := []byte(`{
			"id": "wf-1",
			"name": "Broken",
			"nodes": [{"id": "n1", "type": "teleport"}],
			"edges": []
		}`)

		require.Error(t, models.ValidateDefinitionDocument(document))
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()

		require.Error(t, models.ValidateDefinitionDocument([]byte("{not json")))
	})
}

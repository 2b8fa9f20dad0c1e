package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeCategory(t *testing.T) {
	tests := []struct {
		errType  ErrorType
		category Category
	}{
		{ErrorTypeCyclicFlow, CategoryConstruction},
		{ErrorTypeIncompleteFlow, CategoryConstruction},
		{ErrorTypeUnresolvedTemplate, CategoryConstruction},
		{ErrorTypeUnsupportedProjection, CategoryType},
		{ErrorTypeLossyConversion, CategoryType},
		{ErrorTypeConnectionLost, CategoryConnector},
		{ErrorTypeSchemaMismatch, CategoryConnector},
		{ErrorTypeAuthorizationDenied, CategoryConnector},
		{ErrorTypeTimeout, CategoryExecution},
		{ErrorTypeExecution, CategoryNone},
		{ErrorTypeInternal, CategoryNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.category, tt.errType.Category())
		})
	}
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeConnectionLost, "reset")
	outer := Wrap(inner, ErrorTypeExecution, "node")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Nil(t, Wrap(nil, ErrorTypeExecution, "nothing"))
}

func TestHasWalksWholeChain(t *testing.T) {
	base := New(ErrorTypeSchemaMismatch, "missing column")
	err := fmt.Errorf("copy: %w", Wrap(Wrap(base, ErrorTypeConnector, "write"), ErrorTypeExecution, "node"))

	assert.True(t, Has(err, ErrorTypeSchemaMismatch))
	assert.True(t, Has(err, ErrorTypeConnector))
	assert.False(t, Has(err, ErrorTypeConnectionLost))
	assert.Equal(t, ErrorTypeConnector, Classify(err))

	joined := Join(New(ErrorTypeConstruction, "a"), fmt.Errorf("b: %w", New(ErrorTypeCyclicFlow, "b")))
	assert.True(t, Has(joined, ErrorTypeCyclicFlow))
	assert.False(t, Has(joined, ErrorTypeTimeout))
}

func TestClassifyUnstructured(t *testing.T) {
	assert.Equal(t, ErrorType(""), Classify(fmt.Errorf("boom")))
	assert.Equal(t, ErrorType(""), Classify(New(ErrorTypeExecution, "panic")))
	assert.Equal(t, ErrorTypeTimeout, Classify(Wrap(New(ErrorTypeTimeout, "slow"), ErrorTypeExecution, "x")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeConfig, "bad value").WithDetail("field", "buffer_size").WithDetail("value", -1)
	assert.Equal(t, "buffer_size", err.Details["field"])
	assert.Equal(t, -1, err.Details["value"])
	assert.Equal(t, "config: bad value", err.Error())
}

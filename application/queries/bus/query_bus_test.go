package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "graphcollab/pkg/errors"
)

type sumQuery struct {
	Values []int
}

func (q sumQuery) Validate() error {
	if len(q.Values) == 0 {
		return apperrors.NewValidationError("values are required")
	}
	return nil
}

func TestQueryBus_Ask(t *testing.T) {
	// Arrange
	b := NewQueryBus(LoggingMiddleware(zap.NewNop(), time.Second))
	require.NoError(t, b.Register(sumQuery{}, Handle(func(ctx context.Context, q sumQuery) (int, error) {
		total := 0
		for _, v := range q.Values {
			total += v
		}
		return total, nil
	})))

	// Act
	result, err := b.Ask(context.Background(), sumQuery{Values: []int{1, 2, 3}})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 6, result)
}

func TestQueryBus_Errors(t *testing.T) {
	b := NewQueryBus()

	_, err := b.Ask(context.Background(), sumQuery{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = b.Ask(context.Background(), sumQuery{Values: []int{1}})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))

	handler := QueryHandlerFunc(func(ctx context.Context, q Query) (interface{}, error) {
		return nil, apperrors.NewTransientStoreError("findAll", context.DeadlineExceeded)
	})
	require.NoError(t, b.Register(sumQuery{}, handler))
	assert.Error(t, b.Register(sumQuery{}, handler))

	_, err = b.Ask(context.Background(), sumQuery{Values: []int{1}})
	assert.True(t, apperrors.IsTransient(err))
}

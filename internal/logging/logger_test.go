package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmailMasksLocalPart(t *testing.T) {
	assert.Equal(t, "***@example.com", RedactEmail("alice@example.com"))
}

func TestRedactEmailEmptyInput(t *testing.T) {
	assert.Equal(t, "", RedactEmail(""))
}

func TestRedactEmailWithoutAtSign(t *testing.T) {
	assert.Equal(t, "***", RedactEmail("not-an-email"))
}

func TestGetLoggerFallsBackWhenUninitialized(t *testing.T) {
	l := GetLogger()
	assert.NotNil(t, l)
}

func TestInfoDoesNotPanicWithNilContext(t *testing.T) {
	assert.NotPanics(t, func() {
		Info(nil, "test message") //nolint:staticcheck // nil context is the case under test

	})
}

func TestAppendContextFieldsHandlesNilContext(t *testing.T) {
	fields := appendContextFields(nil, nil)
	assert.Nil(t, fields)
}

func TestAppendContextFieldsLiftsKnownKeys(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-1")
	ctx = context.WithValue(ctx, UserIDKey, "user-1")
	ctx = context.WithValue(ctx, RoomIDKey, "room-1")

	fields := appendContextFields(ctx, nil)
	assert.Len(t, fields, 4) // correlation_id, user_id, room_id, service
}

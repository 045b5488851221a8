package models

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldTag returns the named struct tag of a field.
func fieldTag(t *testing.T, typ reflect.Type, field, key string) string {
	t.Helper()
	f, ok := typ.FieldByName(field)
	require.True(t, ok, "%s.%s: field not found", typ.Name(), field)
	return f.Tag.Get(key)
}

func TestConversation_WireNames(t *testing.T) {
	typ := reflect.TypeOf(Conversation{})
	cases := map[string]string{
		"ID":                 "id",
		"UserID":             "userId",
		"Subject":            "subject",
		"Status":             "status",
		"AssignedToUserID":   "assignedToUserId,omitempty",
		"AssignedToUserName": "assignedToUserName,omitempty",
		"CreatedAt":          "createdAt",
		"ResolvedAt":         "resolvedAt,omitempty",
		"ClosedAt":           "closedAt,omitempty",
	}
	for field, want := range cases {
		assert.Equal(t, want, fieldTag(t, typ, field, "json"), field)
	}
	assert.Contains(t, fieldTag(t, typ, "ID", "gorm"), "primaryKey")
	assert.Contains(t, fieldTag(t, typ, "UserID", "gorm"), "index")
}

func TestMessage_WireNames(t *testing.T) {
	typ := reflect.TypeOf(Message{})
	assert.Equal(t, "supportChatId", fieldTag(t, typ, "ConversationID", "json"))
	assert.Equal(t, "sentAt", fieldTag(t, typ, "SentAt", "json"))
	assert.Equal(t, "isRead", fieldTag(t, typ, "IsRead", "json"))
	assert.Contains(t, fieldTag(t, typ, "ConversationID", "gorm"), "index")
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOpen, "Open"},
		{StatusInProgress, "In Progress"},
		{StatusResolved, "Resolved"},
		{StatusClosed, "Closed"},
		{Status(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
	assert.False(t, Status(0).Valid())
	assert.True(t, StatusClosed.Terminal())
	assert.False(t, StatusResolved.Terminal())
}

func TestConversation_ApplyStatusStampsOnce(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	var c Conversation
	c.ApplyStatus(StatusResolved, first)
	c.ApplyStatus(StatusResolved, later)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, first, *c.ResolvedAt)
	assert.Nil(t, c.ClosedAt)

	c.ApplyStatus(StatusClosed, later)
	require.NotNil(t, c.ClosedAt)
	assert.Equal(t, later, *c.ClosedAt)
	assert.Equal(t, StatusClosed, c.Status)
}

func TestNewPage(t *testing.T) {
	p := NewPage([]int{1, 2}, 2, 2, 5)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasPreviousPage)
	assert.True(t, p.HasNextPage)

	last := NewPage[int](nil, 3, 2, 5)
	assert.NotNil(t, last.Items)
	assert.False(t, last.HasNextPage)

	empty := NewPage[int](nil, 1, 0, 0)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNextPage)
}

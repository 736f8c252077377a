package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppend_FirstMessageMustBeModel(t *testing.T) {
	var c ConversationRecord
	_, err := c.Append(RoleUser, "hello", time.Now())
	require.ErrorIs(t, err, ErrRoleOrder)

	_, err = c.Append(RoleModel, "Dear supplier", time.Now())
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)
}

func TestAppend_RolesAlternate(t *testing.T) {
	var c ConversationRecord
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := c.Append(RoleModel, "inquiry", now)
	require.NoError(t, err)
	_, err = c.Append(RoleModel, "follow-up", now)
	require.ErrorIs(t, err, ErrRoleOrder)
	_, err = c.Append(RoleUser, "our price is 5 EUR", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = c.Append(RoleModel, "thanks", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, c.Messages, 3)
}

func TestAppend_TimestampsNeverDecrease(t *testing.T) {
	var c ConversationRecord
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := c.Append(RoleModel, "inquiry", now)
	require.NoError(t, err)

	msg, err := c.Append(RoleUser, "skewed clock", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, now, msg.At)

	for i := 1; i < len(c.Messages); i++ {
		require.False(t, c.Messages[i].At.Before(c.Messages[i-1].At))
	}
}

func TestAppend_RejectsUnknownRole(t *testing.T) {
	var c ConversationRecord
	_, err := c.Append(MessageRole("system"), "x", time.Now())
	require.ErrorIs(t, err, ErrRoleOrder)
}

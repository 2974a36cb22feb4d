package transcript

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, tr *Transcript, user, answer string) {
	t.Helper()
	require.NoError(t, tr.Append(NewUserTurn(user)))
	require.NoError(t, tr.Append(NewAssistantTurn(answer, "", false)))
}

func TestAppend_Alternation(t *testing.T) {
	tr := New()
	require.ErrorIs(t, tr.Append(NewAssistantTurn("hi", "", false)), ErrAssistantFirst)

	exchange(t, tr, "A", "a")
	require.ErrorIs(t, tr.Append(NewAssistantTurn("again", "", false)), ErrAssistantWithoutAsk)
	assert.Equal(t, 2, tr.Len())
	assert.False(t, tr.AwaitingResponse())

	require.NoError(t, tr.Append(NewUserTurn("B")))
	assert.True(t, tr.AwaitingResponse())
	assert.Equal(t, 3, tr.Len())
}

func TestAppend_UserTurnRestrictions(t *testing.T) {
	tr := New()
	require.ErrorIs(t, tr.Append(Turn{Role: RoleUser, Content: "x", Reasoning: "r"}), ErrUserReasoning)
	require.ErrorIs(t, tr.Append(Turn{Role: RoleUser, Content: "x", Truncated: true}), ErrUserTruncated)
	err := tr.Append(Turn{Role: "system", Content: "x"})
	require.True(t, errors.Is(err, ErrUnknownRole))
	assert.Equal(t, 0, tr.Len())
}

func TestLength_IsTwicePairs(t *testing.T) {
	tr := New()
	for i := 0; i < 5; i++ {
		exchange(t, tr, "q", "a")
		assert.Equal(t, 2*(i+1), tr.Len())
	}
	require.NoError(t, tr.Append(NewUserTurn("pending")))
	assert.Equal(t, 11, tr.Len())
}

func TestTurns_ReturnsCopy(t *testing.T) {
	tr := New()
	exchange(t, tr, "A", "a")
	turns := tr.Turns()
	turns[0].Content = "changed"
	first, _ := tr.Last()
	assert.Equal(t, "a", first.Content)
	assert.Equal(t, "A", tr.Turns()[0].Content)
}

func TestWindow(t *testing.T) {
	tr := New()
	assert.Nil(t, tr.Window(true))

	exchange(t, tr, "A", "a")
	require.NoError(t, tr.Append(NewUserTurn("B")))

	assert.Equal(t, []Turn{NewUserTurn("B")}, tr.Window(false))
	assert.Equal(t, []Turn{
		NewUserTurn("A"),
		NewAssistantTurn("a", "", false),
		NewUserTurn("B"),
	}, tr.Window(true))
}

func TestWindow_SkipsUnansweredTurns(t *testing.T) {
	tr := New()
	exchange(t, tr, "A", "a")
	require.NoError(t, tr.Append(NewUserTurn("failed")))
	require.NoError(t, tr.Append(NewUserTurn("retry")))

	assert.Equal(t, []Turn{
		NewUserTurn("A"),
		NewAssistantTurn("a", "", false),
		NewUserTurn("retry"),
	}, tr.Window(true))
	assert.Equal(t, 4, tr.Len())
}

func TestFromTurns(t *testing.T) {
	tr, err := FromTurns([]Turn{
		NewUserTurn("A"),
		NewAssistantTurn("a", "thinking", true),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())

	_, err = FromTurns([]Turn{NewAssistantTurn("a", "", false)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssistantFirst))
}

func TestFirstUserMessage(t *testing.T) {
	tr := New()
	assert.Equal(t, "", tr.FirstUserMessage())
	exchange(t, tr, "  hello there ", "hi")
	assert.Equal(t, "hello there", tr.FirstUserMessage())
}

package message

import (
	"strings"
	"testing"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLinks struct{}

func (fakeLinks) OpenURL(dripID, subscriberID, _ string) string {
	return "https://t.example.com/o/" + dripID + "/" + subscriberID
}

func (fakeLinks) UnsubscribeURL(dripID, subscriberID, _ string) string {
	return "https://t.example.com/u/" + dripID + "/" + subscriberID
}

func welcomeDrip() domain.Drip {
	return domain.Drip{
		ID:       "drip-1",
		Name:     "Welcome",
		HTMLBody: "<html><body><p>Hi {{ subscriber.first_name | default: \"there\" }}</p></body></html>",
		TextBody: "Hi {{ first_name }}",
		Subjects: []domain.DripSubject{
			{ID: "s-1", Text: "Welcome, {{ subscriber.first_name }}", Enabled: true},
		},
	}
}

func TestBuilder_From(t *testing.T) {
	b := NewBuilder("noreply@example.com")

	assert.Equal(t, "Team <team@example.com>", b.From(domain.Drip{FromName: "Team", FromEmail: "team@example.com"}))
	assert.Equal(t, "team@example.com", b.From(domain.Drip{FromEmail: "team@example.com"}))
	assert.Equal(t, "noreply@example.com", b.From(domain.Drip{FromName: "Team"}))
	assert.Equal(t, "noreply@example.com", b.From(domain.Drip{}))
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder("noreply@example.com")
	sub := domain.Subscriber{
		ID:         "sub-1",
		Email:      "jo@example.com",
		Attributes: map[string]any{"first_name": "Jo"},
	}

	msg, err := b.Build(welcomeDrip(), sub)
	require.NoError(t, err)

	assert.Equal(t, "drip-1", msg.DripID)
	assert.Equal(t, "sub-1", msg.SubscriberID)
	assert.Equal(t, "s-1", msg.SubjectID)
	assert.Equal(t, "jo@example.com", msg.To)
	assert.Equal(t, "noreply@example.com", msg.From)
	assert.Equal(t, "Welcome, Jo", msg.Subject)
	assert.Contains(t, msg.HTMLBody, "<p>Hi Jo</p>")
	assert.Equal(t, "Hi Jo", msg.TextBody)
	assert.Empty(t, msg.Headers)
}

func TestBuilder_DefaultFilter(t *testing.T) {
	b := NewBuilder("noreply@example.com")
	msg, err := b.Build(welcomeDrip(), domain.Subscriber{ID: "sub-2", Email: "x@example.com"})
	require.NoError(t, err)
	assert.Contains(t, msg.HTMLBody, "<p>Hi there</p>")
}

func TestBuilder_SplitTestSubject(t *testing.T) {
	drip := welcomeDrip()
	drip.Subjects = []domain.DripSubject{
		{ID: "a", Text: "Subject A", Enabled: true},
		{ID: "off", Text: "Disabled", Enabled: false},
		{ID: "b", Text: "Subject B", Enabled: true},
	}
	require.True(t, drip.SplitTesting())

	var picked []int
	b := NewBuilder("noreply@example.com", WithPicker(func(n int) int {
		picked = append(picked, n)
		return 1
	}))

	msg, err := b.Build(drip, domain.Subscriber{ID: "sub-1", Email: "jo@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "b", msg.SubjectID)
	assert.Equal(t, "Subject B", msg.Subject)
	assert.Equal(t, []int{2}, picked, "only enabled subjects are candidates")
}

func TestBuilder_NoSubject(t *testing.T) {
	drip := welcomeDrip()
	drip.Subjects[0].Enabled = false

	_, err := NewBuilder("noreply@example.com").Build(drip, domain.Subscriber{ID: "sub-1"})
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestBuilder_TrackingLinks(t *testing.T) {
	b := NewBuilder("noreply@example.com", WithLinks(fakeLinks{}))
	msg, err := b.Build(welcomeDrip(), domain.Subscriber{ID: "sub-1", Email: "jo@example.com"})
	require.NoError(t, err)

	pixel := `<img src="https://t.example.com/o/drip-1/sub-1"`
	require.Contains(t, msg.HTMLBody, pixel)
	assert.Less(t, strings.Index(msg.HTMLBody, pixel), strings.Index(msg.HTMLBody, "</body>"))
	assert.Equal(t, "<https://t.example.com/u/drip-1/sub-1>", msg.Headers["List-Unsubscribe"])
}

func TestBuilder_ParseError(t *testing.T) {
	drip := welcomeDrip()
	drip.ID = "broken"
	drip.HTMLBody = "{% endif %}"

	_, err := NewBuilder("noreply@example.com").Build(drip, domain.Subscriber{ID: "sub-1"})
	assert.ErrorContains(t, err, "render html body")
}

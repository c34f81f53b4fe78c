// Package message renders the email a subscriber receives for a drip:
// sender resolution, split-test subject choice and Liquid personalization.
package message

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/osteele/liquid"
)

// ErrNoSubject is returned when a drip has no enabled subject line.
var ErrNoSubject = errors.New("drip has no enabled subject")

// Links produces per-recipient tracking URLs; *engagement.Tokens satisfies it.
type Links interface {
	OpenURL(dripID, subscriberID, email string) string
	UnsubscribeURL(dripID, subscriberID, email string) string
}

// Builder renders drips into messages. Parsed templates are cached by drip
// and part, so edit a drip under a new id or call Reset.
type Builder struct {
	engine      *liquid.Engine
	cache       sync.Map // map[string]*liquid.Template
	defaultFrom string
	links       Links
	pick        func(n int) int
}

// Option configures a Builder.
type Option func(*Builder)

// WithLinks enables the open pixel and unsubscribe header.
func WithLinks(l Links) Option {
	return func(b *Builder) { b.links = l }
}

// WithPicker overrides the random subject choice.
func WithPicker(pick func(n int) int) Option {
	return func(b *Builder) { b.pick = pick }
}

// NewBuilder creates a Builder that falls back to defaultFrom when a drip
// names no sender.
func NewBuilder(defaultFrom string, opts ...Option) *Builder {
	b := &Builder{
		engine:      liquid.NewEngine(),
		defaultFrom: defaultFrom,
		pick:        rand.IntN,
	}
	registerFilters(b.engine)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reset drops every cached template.
func (b *Builder) Reset() {
	b.cache.Range(func(k, _ any) bool {
		b.cache.Delete(k)
		return true
	})
}

// From resolves the sender: "Name <email>" when both are set, the bare
// address when only it is set, otherwise the default.
func (b *Builder) From(drip domain.Drip) string {
	switch {
	case drip.FromEmail != "" && drip.FromName != "":
		return fmt.Sprintf("%s <%s>", drip.FromName, drip.FromEmail)
	case drip.FromEmail != "":
		return drip.FromEmail
	default:
		return b.defaultFrom
	}
}

// Subject picks uniformly among the enabled subjects.
func (b *Builder) Subject(drip domain.Drip) (domain.DripSubject, error) {
	subjects := drip.EnabledSubjects()
	if len(subjects) == 0 {
		return domain.DripSubject{}, fmt.Errorf("%w: %s", ErrNoSubject, drip.ID)
	}
	if len(subjects) == 1 {
		return subjects[0], nil
	}
	return subjects[b.pick(len(subjects))], nil
}

// Build renders drip for sub.
func (b *Builder) Build(drip domain.Drip, sub domain.Subscriber) (*domain.EmailMessage, error) {
	subject, err := b.Subject(drip)
	if err != nil {
		return nil, err
	}

	bindings := Bindings(drip, sub)
	var openURL string
	if b.links != nil {
		openURL = b.links.OpenURL(drip.ID, sub.ID, sub.Email)
		bindings["open_url"] = openURL
		bindings["unsubscribe_url"] = b.links.UnsubscribeURL(drip.ID, sub.ID, sub.Email)
	}

	msg := &domain.EmailMessage{
		DripID:       drip.ID,
		SubscriberID: sub.ID,
		To:           sub.Email,
		From:         b.From(drip),
		SubjectID:    subject.ID,
	}

	if msg.Subject, err = b.render("subject:"+drip.ID+":"+subject.ID, subject.Text, bindings); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if msg.HTMLBody, err = b.render("html:"+drip.ID, drip.HTMLBody, bindings); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	if drip.TextBody != "" {
		if msg.TextBody, err = b.render("text:"+drip.ID, drip.TextBody, bindings); err != nil {
			return nil, fmt.Errorf("render text body: %w", err)
		}
	}

	if b.links != nil {
		msg.HTMLBody = injectPixel(msg.HTMLBody, openURL)
		msg.Headers = map[string]string{
			"List-Unsubscribe":      "<" + bindings["unsubscribe_url"].(string) + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}
	return msg, nil
}

func (b *Builder) render(key, src string, bindings map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	var tpl *liquid.Template
	if cached, ok := b.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := b.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		b.cache.Store(key, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Bindings returns the Liquid variables for a drip and subscriber.
// Attributes are exposed both under subscriber and at the top level.
func Bindings(drip domain.Drip, sub domain.Subscriber) map[string]any {
	subscriber := map[string]any{
		"id":      sub.ID,
		"user_id": sub.UserID,
		"email":   sub.Email,
		"tags":    sub.Tags,
	}
	out := map[string]any{
		"drip": map[string]any{
			"id":   drip.ID,
			"name": drip.Name,
		},
	}
	for k, v := range sub.Attributes {
		if _, taken := subscriber[k]; !taken {
			subscriber[k] = v
		}
		out[k] = v
	}
	out["subscriber"] = subscriber
	out["email"] = sub.Email
	return out
}

func injectPixel(html, openURL string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, openURL)
	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + pixel + html[i:]
	}
	return html + pixel
}

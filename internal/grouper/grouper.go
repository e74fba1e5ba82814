// Package grouper clusters a customer's raw message history into submission
// groups: bursts of item photos sent close together, plus the conversation
// around them. One group becomes one candidate lead.
package grouper

import (
	"sort"
	"time"

	"github.com/stitchandsole/leadsync/pkg/zoko"
)

// DefaultWindow is how long after a group's first image further images
// still count as the same submission.
const DefaultWindow = 2 * time.Hour

// contextLookback is how far before a group's first image surrounding
// conversation is still attached as context.
const contextLookback = time.Hour

// maxContextMessages caps how much conversation is attached per group.
const maxContextMessages = 10

// Image is one photo inside a submission group.
type Image struct {
	URL       string    `json:"url"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	Caption   string    `json:"caption,omitempty"`
}

// ContextMessage is a non-image message attached to a group for context.
type ContextMessage struct {
	Direction zoko.Direction `json:"direction"`
	Text      string         `json:"text"`
	SentAt    time.Time      `json:"sent_at"`
}

// Group is one candidate submission: at least one image, anchored at the
// first image's timestamp.
type Group struct {
	Images          []Image          `json:"images"`
	ContextMessages []ContextMessage `json:"context_messages,omitempty"`
	FirstImageAt    time.Time        `json:"first_image_at"`
}

// LastImageAt returns the timestamp of the group's final image.
func (g Group) LastImageAt() time.Time {
	return g.Images[len(g.Images)-1].SentAt
}

// ImageURLs returns the group's image URLs in send order.
func (g Group) ImageURLs() []string {
	urls := make([]string, len(g.Images))
	for i, img := range g.Images {
		urls[i] = img.URL
	}
	return urls
}

// ContextTexts returns the group's context message bodies in send order.
func (g Group) ContextTexts() []string {
	texts := make([]string, len(g.ContextMessages))
	for i, m := range g.ContextMessages {
		texts[i] = m.Text
	}
	return texts
}

// Cluster splits one customer's message history into submission groups.
//
// Inbound images are sorted by send time and walked once: an image joins
// the current group while its gap from the group's latest image is under
// the window; a gap of the full window or more closes the group and starts
// a new one. A slow drip of photos spaced just under the window therefore
// extends a single group indefinitely. That matches how submissions were
// bucketed historically, and downstream dedup keys on the result, so the
// drip behavior has to stay even though a capped window might look more
// sensible.
//
// The group's anchor is its first image: it fixes the group's identity,
// its ordering, and its context range, and never moves as images append.
// Each group picks up at most maxContextMessages non-image messages sent
// between (anchor - contextLookback) and (anchor + window), in
// chronological order.
func Cluster(msgs []zoko.Message, window time.Duration) []Group {
	if window <= 0 {
		window = DefaultWindow
	}

	var images []zoko.Message
	var rest []zoko.Message
	for _, m := range msgs {
		switch {
		case m.IsInboundImage():
			// An image event without a retrievable URL carries nothing a
			// reviewer could look at; drop it rather than emit husks.
			if m.ImageURL() != "" {
				images = append(images, m)
			}
		case m.Kind != zoko.KindImage && m.Body() != "":
			rest = append(rest, m)
		}
	}
	if len(images) == 0 {
		return nil
	}

	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreatedAt.Before(images[j].CreatedAt)
	})
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].CreatedAt.Before(rest[j].CreatedAt)
	})

	var groups []Group
	current := newGroup(images[0])
	for _, m := range images[1:] {
		if m.CreatedAt.Sub(current.LastImageAt()) < window {
			current.Images = append(current.Images, toImage(m))
			continue
		}
		groups = append(groups, current)
		current = newGroup(m)
	}
	groups = append(groups, current)

	for i := range groups {
		groups[i].ContextMessages = contextFor(groups[i].FirstImageAt, window, rest)
	}

	return groups
}

func newGroup(m zoko.Message) Group {
	return Group{
		Images:       []Image{toImage(m)},
		FirstImageAt: m.CreatedAt,
	}
}

func toImage(m zoko.Message) Image {
	return Image{
		URL:       m.ImageURL(),
		MessageID: m.MessageID,
		SentAt:    m.CreatedAt,
		Caption:   m.Caption,
	}
}

// contextFor selects the conversation around one group's anchor. Input must
// already be sorted chronologically.
func contextFor(anchor time.Time, window time.Duration, msgs []zoko.Message) []ContextMessage {
	from := anchor.Add(-contextLookback)
	to := anchor.Add(window)

	var out []ContextMessage
	for _, m := range msgs {
		if m.CreatedAt.Before(from) || m.CreatedAt.After(to) {
			continue
		}
		out = append(out, ContextMessage{
			Direction: m.Direction,
			Text:      m.Body(),
			SentAt:    m.CreatedAt,
		})
		if len(out) == maxContextMessages {
			break
		}
	}
	return out
}

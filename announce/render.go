package announce

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/stitch/discord"
	"github.com/onnwee/stitch/streams"
)

const (
	ColorLive  = 0x9146FF // rgb(145, 70, 255)
	ColorEnded = 0x808080
)

// Render builds the announcement for a stream. The body depends only on its
// arguments, so re-rendering after a replay produces the same message.
func Render(ch *streams.Channel, st *streams.Stream) discord.Message {
	name := DisplayName(ch.DisplayName, ch.Login)
	embed := discord.Embed{
		URL: "https://twitch.tv/" + ch.Login,
	}
	if ch.ProfileImageURL != "" {
		embed.Thumbnail = &discord.EmbedImage{URL: ch.ProfileImageURL}
	}

	if st.Live() {
		embed.Title = fmt.Sprintf("**%s** is live!", name)
		embed.Description = st.Title
		embed.Color = ColorLive
		embed.Timestamp = st.StartedAt.UTC().Format(time.RFC3339)
		embed.Fields = []discord.EmbedField{{
			Name:   "**»** " + categoryLabel(st.Categories),
			Value:  fmt.Sprintf("Started <t:%d:R>", st.StartedAt.Unix()),
			Inline: true,
		}}
	} else {
		title, categories := Dominant(st)
		embed.Title = fmt.Sprintf("**%s** streamed for %s", name, HumanDuration(st.StartedAt, *st.EndedAt))
		embed.Description = title
		embed.Color = ColorEnded
		embed.Timestamp = st.EndedAt.UTC().Format(time.RFC3339)
		embed.Fields = []discord.EmbedField{{
			Name:   "**»** " + categoryLabel(categories),
			Value:  fmt.Sprintf("Ended <t:%d:f>", st.EndedAt.Unix()),
			Inline: true,
		}}
	}

	return discord.Message{
		Embeds:          []discord.Embed{embed},
		AllowedMentions: &discord.AllowedMentions{Parse: []string{}},
	}
}

// DisplayName shows the login alongside the display name when they differ beyond case.
func DisplayName(displayName, login string) string {
	if displayName == "" {
		return login
	}
	if strings.EqualFold(displayName, login) {
		return displayName
	}
	return fmt.Sprintf("%s (%s)", displayName, login)
}

// HumanDuration formats end-start as XhYYm, truncated to the minute.
func HumanDuration(start, end time.Time) string {
	minutes := int64(end.Sub(start) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%dh%02dm", minutes/60, minutes%60)
}

func categoryLabel(categories []string) string {
	if len(categories) == 0 {
		return "No category"
	}
	return strings.Join(categories, ", ")
}

// metadata carried by online and update payloads
type snapshot struct {
	Title      string   `json:"title"`
	Categories []string `json:"categories"`
}

// Dominant returns the title and categories that were on air the longest.
// Airtime of a value runs from the record that set it to the next applied record,
// and the last value runs until the stream ended. Stale records (earlier than an
// already applied one) are skipped. Ties go to the value that aired first.
func Dominant(st *streams.Stream) (string, []string) {
	end := st.LastUpdated
	if st.EndedAt != nil {
		end = *st.EndedAt
	}

	type tally struct {
		categories []string
		airtime    time.Duration
		order      int
	}
	titles := map[string]*tally{}
	cats := map[string]*tally{}
	add := func(m map[string]*tally, key string, categories []string, d time.Duration) {
		t, ok := m[key]
		if !ok {
			t = &tally{categories: categories, order: len(m)}
			m[key] = t
		}
		t.airtime += d
	}

	var (
		curTitle string
		curCats  []string
		curAt    time.Time
		started  bool
		lastTS   time.Time
	)
	for _, rec := range st.Events {
		if started && rec.Timestamp.Before(lastTS) {
			continue
		}
		lastTS = rec.Timestamp
		var snap snapshot
		if len(rec.Payload) > 0 {
			_ = json.Unmarshal(rec.Payload, &snap)
		}
		if !started {
			curTitle, curCats, curAt, started = snap.Title, snap.Categories, rec.Timestamp, true
			continue
		}
		if snap.Title == "" && snap.Categories == nil {
			continue
		}
		d := rec.Timestamp.Sub(curAt)
		add(titles, curTitle, nil, d)
		add(cats, categoryLabel(curCats), curCats, d)
		if snap.Title != "" {
			curTitle = snap.Title
		}
		if snap.Categories != nil {
			curCats = snap.Categories
		}
		curAt = rec.Timestamp
	}
	if !started {
		return st.Title, st.Categories
	}
	tail := max(end.Sub(curAt), 0)
	add(titles, curTitle, nil, tail)
	add(cats, categoryLabel(curCats), curCats, tail)

	pick := func(m map[string]*tally) (string, *tally) {
		var bestKey string
		var best *tally
		for k, t := range m {
			if best == nil || t.airtime > best.airtime || (t.airtime == best.airtime && t.order < best.order) {
				bestKey, best = k, t
			}
		}
		return bestKey, best
	}
	title, _ := pick(titles)
	if title == "" {
		title = st.Title
	}
	_, catTally := pick(cats)
	return title, catTally.categories
}

package memindex

import (
	"regexp"
	"strings"

	"github.com/rcliao/agent-turns/internal/model"
	"github.com/rcliao/agent-turns/internal/store"
)

// TurnSummary is what a finished turn contributes to memory.
type TurnSummary struct {
	TurnID      string
	UserID      string
	Query       string
	Topic       string
	Answer      string
	Confidence  float64
	Preferences []string
	Claims      []model.Claim
}

// summaryLimit caps the prior-turn summary node content.
const summaryLimit = 1200

var (
	priceHint        = regexp.MustCompile(`(?i)([$€£¥]\s?\d|\bprice[sd]?\b|\bcosts?\b)`)
	availabilityHint = regexp.MustCompile(`(?i)\b(in stock|out of stock|available|availability|sold out|ships?)\b`)
	specHint         = regexp.MustCompile(`(?i)(\d+\s?(cm|mm|in|inch|kg|g|lb|oz|w|v)\b|\bdimensions?\b|\bweighs?\b)`)
)

// ContentTypeOf guesses the decay class of a piece of text.
func ContentTypeOf(text string) model.ContentType {
	switch {
	case availabilityHint.MatchString(text):
		return model.ContentAvailability
	case priceHint.MatchString(text):
		return model.ContentPrice
	case specHint.MatchString(text):
		return model.ContentSpec
	}
	return model.ContentDefault
}

// ttlFor gives volatile content a hard TTL on top of decay.
func ttlFor(ct model.ContentType) string {
	switch ct {
	case model.ContentAvailability:
		return "3d"
	case model.ContentPrice:
		return "14d"
	}
	return ""
}

// Derive converts a finished turn into the nodes to index: one prior-turn
// summary, one preference node per stated preference and one cached-research
// node per citable claim. Claims without a source are not remembered.
func Derive(s TurnSummary) []store.PutParams {
	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = "general"
	}
	keywords := Keywords(s.Query)
	conf := model.Clamp01(s.Confidence)

	var out []store.PutParams
	if answer := strings.TrimSpace(s.Answer); answer != "" {
		out = append(out, store.PutParams{
			UserID:         s.UserID,
			TurnID:         s.TurnID,
			Topic:          topic,
			SourceType:     model.SourcePriorTurn,
			ContentType:    model.ContentDefault,
			Content:        "Q: " + s.Query + "\nA: " + truncate(answer, summaryLimit),
			Keywords:       keywords,
			BaseConfidence: conf,
			Quality:        conf,
		})
	}
	for _, pref := range s.Preferences {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		out = append(out, store.PutParams{
			UserID:         s.UserID,
			TurnID:         s.TurnID,
			Topic:          "user.preference." + topicSlug(pref),
			SourceType:     model.SourcePreference,
			ContentType:    model.ContentPreference,
			Content:        pref,
			Keywords:       Keywords(pref),
			BaseConfidence: conf,
			Quality:        conf,
		})
	}
	for _, c := range s.Claims {
		if !c.Citable() || strings.TrimSpace(c.Text) == "" {
			continue
		}
		ct := ContentTypeOf(c.Text)
		out = append(out, store.PutParams{
			UserID:         s.UserID,
			TurnID:         s.TurnID,
			Topic:          topic,
			SourceType:     model.SourceResearch,
			ContentType:    ct,
			Content:        c.Text,
			Keywords:       Keywords(c.Text),
			Sources:        []string{c.Source},
			BaseConfidence: model.Clamp01(c.Confidence),
			Quality:        model.Clamp01(c.Confidence * conf),
			TTL:            ttlFor(ct),
		})
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"are": true, "was": true, "you": true, "your": true, "from": true, "have": true,
	"what": true, "which": true, "find": true, "under": true, "over": true, "about": true,
	"into": true, "than": true, "then": true, "can": true, "does": true, "should": true,
}

// Keywords extracts up to eight distinct content words from text.
func Keywords(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range words(text) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 8 {
			break
		}
	}
	return out
}

func topicSlug(s string) string {
	kw := Keywords(s)
	if len(kw) > 2 {
		kw = kw[:2]
	}
	if len(kw) == 0 {
		return "misc"
	}
	return strings.Join(kw, "_")
}

// Package content derives the plain-text payload of an inbound event.
package content

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"xbtagent/internal/domain"
)

// Source records which rule produced an extraction.
type Source string

const (
	SourceContent        Source = "content"
	SourceFallbackQuoted Source = "fallback_quoted"
	SourceFallback       Source = "fallback"
	SourceParameters     Source = "parameters"
	SourceEmpty          Source = "empty"
	// SourceDiagnostic means the payload had no recognizable text and was
	// serialized as JSON.
	SourceDiagnostic Source = "diagnostic"
)

type Extraction struct {
	Text   string
	Source Source
}

var quotedReplyRe = regexp.MustCompile(`Replied with "(.+)" to an earlier message`)

// Extract returns the plain text of ev. It never fails; absent content
// yields "".
func Extract(ev domain.InboundEvent) string {
	return Inspect(ev).Text
}

// Inspect is Extract plus the rule that produced the text.
func Inspect(ev domain.InboundEvent) Extraction {
	if ev.Kind == domain.KindReply {
		return inspectReply(ev)
	}
	if ev.Content == nil {
		return Extraction{Source: SourceEmpty}
	}
	return Extraction{Text: stringifyContent(ev.Content), Source: SourceContent}
}

func inspectReply(ev domain.InboundEvent) Extraction {
	if reply, ok := ev.Content.(domain.ReplyContent); ok && truthy(reply.Content) {
		return Extraction{Text: stringify(reply.Content), Source: SourceContent}
	}

	if ev.Fallback != "" {
		if m := quotedReplyRe.FindStringSubmatch(ev.Fallback); m != nil {
			return Extraction{Text: m[1], Source: SourceFallbackQuoted}
		}
		return Extraction{Text: ev.Fallback, Source: SourceFallback}
	}

	if v := ev.Param("content"); v != "" {
		return Extraction{Text: v, Source: SourceParameters}
	}
	if v := ev.Param("text"); v != "" {
		return Extraction{Text: v, Source: SourceParameters}
	}

	if ev.Content == nil {
		return Extraction{Source: SourceEmpty}
	}
	return Extraction{Text: toJSON(ev.Content), Source: SourceDiagnostic}
}

func stringifyContent(c domain.Content) string {
	switch v := c.(type) {
	case domain.TextContent:
		return v.Text
	case domain.RawContent:
		return stringify(v.Value)
	case domain.ReplyContent:
		return stringify(v.Content)
	default:
		return toJSON(v)
	}
}

// truthy treats nil, "", zero numbers and false as absent.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case domain.TextContent:
		return x.Text != ""
	default:
		return true
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case fmt.Stringer:
		return x.String()
	case domain.Content:
		return stringifyContent(x)
	default:
		return toJSON(x)
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

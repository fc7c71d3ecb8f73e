// Package fallback supplies canned replies when the upstream model cannot
// answer.
package fallback

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Note accompanies a fallback reply on the blocking chat endpoint.
const Note = "OpenAI API 오류로 인해 대체 응답을 제공합니다."

var templates = []string{
	`안녕하세요! 질문해주셔서 감사해요. "%s"에 대한 답변을 준비하고 있어요. 잠시만 기다려주세요! 😊`,
	`안녕하세요! "%s"에 대해 궁금하시군요. 현재 시스템 점검 중이라 정확한 답변을 드리기 어려워요. 잠시 후 다시 시도해보세요! 💪`,
	`안녕하세요! "%s"에 대한 질문이시군요. 지금은 일시적으로 응답이 지연되고 있어요. 잠시 후 다시 질문해주시면 더 자세히 답변드릴게요! 🌟`,
	`안녕하세요! "%s"에 대해 궁금하시군요. 현재 시스템이 혼잡해서 정확한 답변을 드리기 어려워요. 잠시 후 다시 시도해보세요! 📚`,
	`안녕하세요! "%s"에 대한 질문이시군요. 지금은 일시적으로 응답이 지연되고 있어요. 잠시 후 다시 질문해주시면 더 자세히 답변드릴게요! ✨`,
}

// Responder picks a reply from a fixed template pool. The zero value is
// ready to use.
type Responder struct{}

// New returns a Responder.
func New() *Responder { return &Responder{} }

// Respond returns the fallback reply for message. The template is chosen by
// the message's rune count modulo the pool size, so the same message always
// yields the same reply.
func (r *Responder) Respond(message string) string {
	idx := utf8.RuneCountInString(message) % len(templates)
	return fmt.Sprintf(templates[idx], message)
}

// Pool returns the templates with placeholder text substituted for the
// quoted message.
func (r *Responder) Pool() []string {
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = fmt.Sprintf(t, "…")
	}
	return out
}

// Words splits a reply into the chunks streamed to the client. Every chunk
// except the last keeps its trailing space so the concatenation equals the
// input.
func Words(reply string) []string {
	parts := strings.Split(reply, " ")
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += " "
	}
	return parts
}

package agent

import (
	"strings"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/experts"
	"github.com/EduMMorenolp/argenteia/internal/llm"
)

// skillBlocks are appended to the system prompt only when their tool is
// in the round's tool set, so a model never gets guidance for a
// capability it cannot call.
var skillBlocks = map[string]string{
	"get_time":      "Puedes consultar la hora actual en cualquier ciudad con get_time.",
	"get_weather":   "Puedes consultar el clima actual de una ubicación con get_weather.",
	"schedule_task": "Puedes programar recordatorios y tareas con schedule_task; consúltalos con list_tasks y cancélalos con cancel_task.",
}

const webClosing = "Estás en el chat web: puedes usar Markdown (listas, negrita, bloques de código) para formatear tus respuestas."

const botClosing = "Estás en un canal de mensajería: responde en texto plano, breve y directo, sin Markdown."

// composePrompt builds the system prompt for one turn: base instructions
// (expert override, else the configured default), skill blocks for the
// active tool set, the identity block, a peer-expert block when peers
// exist, and a channel-specific closing.
func (l *Loop) composePrompt(profile *experts.Profile, origin string, schemas []llm.ToolSchema) string {
	var b strings.Builder

	base := l.cfg.Agent.SystemPrompt
	if profile != nil && profile.SystemPrompt != "" {
		base = profile.SystemPrompt
	}
	if base == "" {
		base = "Eres " + l.assistantName() + ", un asistente personal. Sé útil, claro y conciso."
	}
	b.WriteString(base)

	for _, s := range schemas {
		if block, ok := skillBlocks[s.Function.Name]; ok {
			b.WriteString("\n")
			b.WriteString(block)
		}
	}

	b.WriteString("\n\nTe llamas ")
	b.WriteString(l.assistantName())
	b.WriteString(".")
	if owner := l.cfg.Agent.OwnerName; owner != "" {
		b.WriteString(" Tu usuario principal es ")
		b.WriteString(owner)
		b.WriteString(".")
	}
	b.WriteString(" Fecha actual: ")
	b.WriteString(time.Now().Format("2006-01-02 15:04"))
	b.WriteString(".")

	if peers := l.peerExperts(profile); len(peers) > 0 {
		b.WriteString("\n\nExpertos disponibles para consultas especializadas: ")
		b.WriteString(strings.Join(peers, ", "))
		b.WriteString(". Menciona al experto adecuado si la consulta encaja mejor con su especialidad.")
	}

	b.WriteString("\n\n")
	if origin == "bot" {
		b.WriteString(botClosing)
	} else {
		b.WriteString(webClosing)
	}

	return b.String()
}

func (l *Loop) assistantName() string {
	if l.cfg.Agent.AssistantName != "" {
		return l.cfg.Agent.AssistantName
	}
	return "Argente"
}

// peerExperts lists the expert names the active profile may delegate to.
// With no active profile every expert is visible; a profile's empty
// allow-list means no peers. The active profile never lists itself.
func (l *Loop) peerExperts(profile *experts.Profile) []string {
	if l.profiles == nil {
		return nil
	}
	var names []string
	for _, p := range l.profiles.ListProfiles() {
		if profile != nil {
			if p.Name == profile.Name || !profile.AllowsExpert(p.Name) {
				continue
			}
		}
		names = append(names, p.Name)
	}
	return names
}

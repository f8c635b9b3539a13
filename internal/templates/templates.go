// Package templates holds the domain system prompts and the prompt
// templates the thin domain endpoints compose requests from.
package templates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bufala/bufala-llm/pkg/api"
)

// Template represents a domain prompt template
type Template struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Context     api.ContextType   `json:"context"`
	System      string            `json:"system"`
	Template    string            `json:"template"`
	Variables   []string          `json:"variables"`
	Defaults    map[string]string `json:"defaults,omitempty"`
	ExpectJSON  bool              `json:"expect_json,omitempty"`
}

// BuiltinTemplates contains all built-in domain templates, keyed by the
// route name.
var BuiltinTemplates = map[string]*Template{
	"medical": {
		Name:        "medical",
		Description: "Orientação geral de saúde",
		Context:     api.ContextHealth,
		System:      "Você é um assistente médico especializado. Forneça conselhos gerais de saúde. Sempre recomende consultar um médico para casos específicos.",
		Template:    "Responda à seguinte pergunta de saúde de forma clara e útil:\n\n{{.question}}",
		Variables:   []string{"question"},
	},
	"education": {
		Name:        "education",
		Description: "Explicações didáticas",
		Context:     api.ContextEducation,
		System:      "Você é um professor educativo. Explique conceitos de forma clara e didática.",
		Template:    "Explique para um aluno de nível {{.level}}:\n\n{{.question}}",
		Variables:   []string{"question", "level"},
		Defaults:    map[string]string{"level": "básico"},
	},
	"agriculture": {
		Name:        "agriculture",
		Description: "Conselhos práticos de cultivo",
		Context:     api.ContextAgriculture,
		System:      "Você é um especialista em agricultura. Forneça conselhos práticos sobre cultivo e manejo de plantas.",
		Template:    "Pergunta de um agricultor da Guiné-Bissau (cultura: {{.crop}}):\n\n{{.question}}",
		Variables:   []string{"question", "crop"},
		Defaults:    map[string]string{"crop": "não indicada"},
	},
	"wellness": {
		Name:        "wellness",
		Description: "Bem-estar e vida saudável",
		Context:     api.ContextHealth,
		System:      "Você é um coach de bem-estar. Forneça orientações para uma vida mais saudável e equilibrada.",
		Template:    "{{.question}}",
		Variables:   []string{"question"},
	},
	"translate": {
		Name:        "translate",
		Description: "Tradução entre português, crioulo e outras línguas",
		Context:     api.ContextGeneral,
		System:      "Você é um tradutor profissional. Traduza o texto de forma precisa e natural.",
		Template:    "Traduza de {{.from}} para {{.to}}. Responda apenas com a tradução.\n\n{{.text}}",
		Variables:   []string{"text", "from", "to"},
		Defaults:    map[string]string{"from": "português", "to": "crioulo da Guiné-Bissau"},
	},
	"environmental": {
		Name:        "environmental",
		Description: "Meio ambiente e sustentabilidade",
		Context:     api.ContextEnvironmental,
		System:      "Você é um especialista em meio ambiente e sustentabilidade. Forneça orientações ecológicas práticas.",
		Template:    "{{.question}}",
		Variables:   []string{"question"},
	},
	"accessibility": {
		Name:        "accessibility",
		Description: "Apoio a pessoas com deficiência",
		Context:     api.ContextAccessibility,
		System:      "Você é um assistente de acessibilidade. Use frases curtas e linguagem simples, adequadas a leitores de ecrã.",
		Template:    "{{.question}}",
		Variables:   []string{"question"},
	},
	"multimodal": {
		Name:        "multimodal",
		Description: "Descrição estruturada de imagens ou áudio já transcritos",
		Context:     api.ContextAccessibility,
		System:      "Você é um especialista em análise de imagens. Descreva o que vê de forma detalhada e precisa.",
		Template:    "Descreva em JSON com os campos \"descricao\" e \"objetos\":\n\n{{.description}}",
		Variables:   []string{"description"},
		ExpectJSON:  true,
	},
	"general": {
		Name:        "general",
		Description: "Perguntas gerais",
		Context:     api.ContextGeneral,
		System:      "Você é um assistente útil e educativo. Responda de forma clara e precisa.",
		Template:    "{{.question}}",
		Variables:   []string{"question"},
	},
}

// Apply applies variables to a template and returns the formatted prompt
func (t *Template) Apply(variables map[string]string) (string, error) {
	result := t.Template

	for _, varName := range t.Variables {
		value := strings.TrimSpace(variables[varName])
		if value == "" {
			value = t.Defaults[varName]
		}
		if value == "" {
			return "", fmt.Errorf("missing required variable: %s", varName)
		}
		placeholder := fmt.Sprintf("{{.%s}}", varName)
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result, nil
}

// UserText returns the part of variables that came from the user, used
// for classification.
func (t *Template) UserText(variables map[string]string) string {
	if len(t.Variables) == 0 {
		return ""
	}
	return strings.TrimSpace(variables[t.Variables[0]])
}

// Compose builds a routing request for variables. The domain becomes the
// context hint.
func (t *Template) Compose(variables map[string]string) (api.Request, error) {
	prompt, err := t.Apply(variables)
	if err != nil {
		return api.Request{}, err
	}
	ctx := t.Context
	return api.Request{
		DomainHint:     &ctx,
		UserText:       t.UserText(variables),
		ComposedPrompt: prompt,
		SystemPrompt:   t.System,
		ExpectJSON:     t.ExpectJSON,
	}, nil
}

// GetTemplate returns a template by name
func GetTemplate(name string) (*Template, error) {
	template, exists := BuiltinTemplates[strings.ToLower(name)]
	if !exists {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return template, nil
}

// SystemPrompt returns the system prompt for a domain, falling back to the
// general one.
func SystemPrompt(domain string) string {
	if t, err := GetTemplate(domain); err == nil {
		return t.System
	}
	return BuiltinTemplates["general"].System
}

// ListTemplates returns all available template names
func ListTemplates() []string {
	names := make([]string, 0, len(BuiltinTemplates))
	for name := range BuiltinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package degradation produces the static answers returned when no model
// could serve a request.
package degradation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/bufala/bufala-llm/pkg/api"
)

// Table maps each context to its canned answer template. Templates see
// the fields of Data.
type Table map[api.ContextType]string

// Data is passed to every template.
type Data struct {
	Context api.ContextType
	Prompt  string
	Time    string
}

const leadIn = `{{if .Prompt}}Sobre a sua pergunta: {{end}}`

const suffix = "\n\n[Resposta automática às {{.Time}}: o assistente está temporariamente indisponível]"

// DefaultTable returns the built-in Portuguese answers.
func DefaultTable() Table {
	return Table{
		api.ContextEmergency: "Em caso de emergência, procure ajuda imediatamente: dirija-se ao centro de saúde " +
			"ou posto policial mais próximo e peça apoio às pessoas à sua volta. Não espere por uma resposta deste sistema.",
		api.ContextHealth: "Para questões de saúde, procure um profissional de saúde qualificado. " +
			"Em caso de emergência, dirija-se ao centro de saúde mais próximo.",
		api.ContextEnvironmental: "Para questões ambientais, recomendo práticas sustentáveis como a conservação da água, " +
			"a proteção das florestas e dos mangais e o uso responsável dos recursos naturais.",
		api.ContextAgriculture: "Para questões agrícolas, consulte um técnico agrícola local " +
			"ou a cooperativa de agricultores da sua região.",
		api.ContextEducation: "Para questões educativas, recomendo consultar materiais didáticos locais " +
			"ou procurar um professor qualificado na sua comunidade.",
		api.ContextAccessibility: "Para apoio em acessibilidade, procure as associações de pessoas com deficiência " +
			"da sua região ou um técnico de reabilitação.",
		api.ContextGeneral: "Obrigado pela sua pergunta. No momento, o sistema está em modo limitado. " +
			"Para obter ajuda específica, recomendo procurar profissionais qualificados na sua comunidade.",
	}
}

// Responder renders canned answers. It is safe for concurrent use.
type Responder struct {
	templates map[api.ContextType]*template.Template
	now       func() time.Time
}

// NewResponder compiles table. Every context must have a template.
func NewResponder(table Table) (*Responder, error) {
	if table == nil {
		table = DefaultTable()
	}
	if err := table.Complete(); err != nil {
		return nil, err
	}

	r := &Responder{
		templates: make(map[api.ContextType]*template.Template, len(table)),
		now:       time.Now,
	}
	for ctx, text := range table {
		tmpl, err := template.New(string(ctx)).Parse(leadIn + text + suffix)
		if err != nil {
			return nil, fmt.Errorf("canned response for %s: %w", ctx, err)
		}
		r.templates[ctx] = tmpl
	}
	return r, nil
}

// Complete reports an error naming any context without an answer.
func (t Table) Complete() error {
	var missing []string
	for _, ctx := range api.AllContexts {
		if strings.TrimSpace(t[ctx]) == "" {
			missing = append(missing, string(ctx))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("canned responses missing for: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Respond returns the canned answer for ctx. Unknown contexts get the
// GENERAL answer. A question prompt adds a short lead-in.
func (r *Responder) Respond(ctx api.ContextType, prompt string) string {
	tmpl, ok := r.templates[ctx]
	if !ok {
		ctx = api.ContextGeneral
		tmpl = r.templates[ctx]
	}

	data := Data{
		Context: ctx,
		Time:    r.now().Format("15:04:05"),
	}
	if strings.Contains(prompt, "?") {
		data.Prompt = truncate(strings.TrimSpace(prompt), 50)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return DefaultTable()[api.ContextGeneral]
	}
	return buf.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

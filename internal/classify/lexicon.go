package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bufala/bufala-llm/pkg/api"
)

// Lexicon holds the keyword lists used for classification. It is plain
// data so communities can ship their own file.
type Lexicon struct {
	Contexts    map[api.ContextType][]string `yaml:"contexts" json:"contexts"`
	Criticality CriticalityKeywords          `yaml:"criticality" json:"criticality"`
}

// CriticalityKeywords lists keywords per tier. LOW has no keywords; it is
// what remains when nothing matches.
type CriticalityKeywords struct {
	Critical []string `yaml:"critical" json:"critical"`
	High     []string `yaml:"high" json:"high"`
	Medium   []string `yaml:"medium" json:"medium"`
}

// DefaultLexicon returns the built-in Portuguese, Kriol and English lists.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Contexts: map[api.ContextType][]string{
			api.ContextEmergency: {
				"emergência", "socorro", "urgente", "urgência", "911", "192", "112",
				"bombeiros", "polícia", "ambulância", "resgate", "acidente",
				"sangramento", "desmaio", "desmaiou", "afogamento", "inconsciente",
				"emergency", "accident", "rescue", "ambulance",
			},
			api.ContextHealth: {
				"saúde", "médico", "médica", "hospital", "remédio", "tratamento",
				"sintoma", "sintomas", "doença", "medicina", "primeiros socorros",
				"dor", "febre", "peito", "tosse", "diarreia", "vómito", "vômito",
				"malária", "paludismo", "gravidez", "grávida", "parto", "vacina",
				"kabesa", "duensa",
				"health", "doctor", "fever", "pain", "medicine", "pregnancy",
			},
			api.ContextEnvironmental: {
				"ambiente", "meio ambiente", "clima", "tempo", "chuva", "seca",
				"poluição", "desmatamento", "água", "ar", "solo", "natureza",
				"mangal", "floresta", "lixo", "reciclagem", "tempestade",
				"climate", "pollution", "environment", "deforestation",
			},
			api.ContextAgriculture: {
				"agricultura", "plantação", "colheita", "fazenda", "roça",
				"semente", "sementes", "fertilizante", "adubo", "praga",
				"irrigação", "cultivo", "plantar", "colher", "solo",
				"milho", "arroz", "caju", "mancarra", "mandioca", "gado",
				"farming", "crop", "harvest", "seeds",
			},
			api.ContextEducation: {
				"ensino", "escola", "professor", "professora", "aluno", "alunos",
				"aprender", "estudar", "lição", "matéria", "educação",
				"conhecimento", "aula", "exame", "alfabetização", "skola",
				"school", "teacher", "student", "lesson",
			},
			api.ContextAccessibility: {
				"acessibilidade", "deficiência", "inclusão", "adaptação",
				"voz", "áudio", "visual", "motor", "cognitivo", "cego", "surdo",
				"cadeira de rodas", "leitor de ecrã",
				"accessibility", "blind", "deaf", "wheelchair",
			},
		},
		Criticality: CriticalityKeywords{
			Critical: []string{
				"emergência", "urgente", "perigo", "risco", "alerta", "catástrofe",
				"desastre", "tsunami", "terremoto", "incêndio", "inundação",
				"envenenamento", "overdose", "parada cardíaca", "asfixia",
				"sangramento", "desmaio", "desmaiou", "inconsciente", "convulsão",
				"emergency", "urgent", "danger", "risk", "alert", "catastrophe",
				"unconscious", "seizure",
			},
			High: []string{
				"dor", "ferimento", "febre", "infecção", "fratura",
				"queimadura", "corte", "machucado", "doente", "mal estar",
				"pain", "injury", "bleeding", "fever", "infection", "fracture",
				"burn", "cut", "hurt", "sick", "illness",
			},
			Medium: []string{
				"ensinar", "aprender", "estudar", "plantar", "colher", "cultivar",
				"praga", "doença da planta", "fertilizante", "irrigação",
				"teach", "learn", "study", "plant", "harvest", "cultivate",
				"pest", "plant disease", "fertilizer", "irrigation",
			},
		},
	}
}

// LoadLexicon reads a YAML (or JSON, which YAML accepts) lexicon file.
// Contexts missing from the file keep their built-in lists.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon: %w", err)
	}

	var file Lexicon
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %s: %w", path, err)
	}

	lex := DefaultLexicon()
	for ctx, words := range file.Contexts {
		if !ctx.Valid() {
			return nil, fmt.Errorf("lexicon %s: unknown context %q", path, ctx)
		}
		lex.Contexts[ctx] = words
	}
	if len(file.Criticality.Critical) > 0 {
		lex.Criticality.Critical = file.Criticality.Critical
	}
	if len(file.Criticality.High) > 0 {
		lex.Criticality.High = file.Criticality.High
	}
	if len(file.Criticality.Medium) > 0 {
		lex.Criticality.Medium = file.Criticality.Medium
	}
	return lex, nil
}

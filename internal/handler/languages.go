package handler

import (
	"net/http"

	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/model"
)

type languageInfo struct {
	Language         model.Language `json:"language"`
	Name             string         `json:"name"`
	Extension        string         `json:"extension"`
	SupportsPackages bool           `json:"supports_packages"`
	Environment      string         `json:"environment"`
}

// LanguagesHandler lists the registered runners.
type LanguagesHandler struct {
	registry *language.Registry
	strategy func(model.Language) string
}

// NewLanguagesHandler takes the environment strategy so clients can see
// which languages reuse a shared environment.
func NewLanguagesHandler(registry *language.Registry, strategy func(model.Language) string) *LanguagesHandler {
	return &LanguagesHandler{registry: registry, strategy: strategy}
}

func (h *LanguagesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	specs := h.registry.List()
	out := make([]languageInfo, 0, len(specs))
	for _, s := range specs {
		info := languageInfo{
			Language:         s.Language,
			Name:             s.Name,
			Extension:        s.Extension,
			SupportsPackages: s.SupportsPackages,
		}
		if h.strategy != nil {
			info.Environment = h.strategy(s.Language)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// internal/service/template_service.go
package service

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	appErrors "github.com/unclebandit/campaign-scheduler/internal/errors"
	"github.com/unclebandit/campaign-scheduler/internal/model"
)

// legacy single-brace placeholders such as {first_name}
var legacyPlaceholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const defaultTemplateCacheSize = 512

// TemplateService renders Liquid templates against a recipient contact.
// Parsed campaign templates are cached by source text, up to limit entries.
type TemplateService struct {
	engine *liquid.Engine

	mu    sync.RWMutex
	cache map[string]*liquid.Template
	limit int
}

func NewTemplateService() *TemplateService {
	return &TemplateService{
		engine: liquid.NewEngine(),
		cache:  map[string]*liquid.Template{},
		limit:  defaultTemplateCacheSize,
	}
}

// normalize rewrites {field} into {{ field }} for templates that use no
// Liquid syntax of their own.
func normalize(template string) string {
	if strings.Contains(template, "{{") || strings.Contains(template, "{%") {
		return template
	}
	return legacyPlaceholder.ReplaceAllString(template, "{{ $1 }}")
}

func (ts *TemplateService) parse(template string) (*liquid.Template, error) {
	ts.mu.RLock()
	cached, ok := ts.cache[template]
	ts.mu.RUnlock()
	if ok {
		return cached, nil
	}
	tpl, err := ts.engine.ParseString(normalize(template))
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.cache) >= ts.limit {
		// evict an arbitrary entry; live campaigns re-parse on next use
		for k := range ts.cache {
			delete(ts.cache, k)
			break
		}
	}
	ts.cache[template] = tpl
	return tpl, nil
}

// Validate reports template syntax errors as ErrValidation.
func (ts *TemplateService) Validate(template string) error {
	if strings.TrimSpace(template) == "" {
		return appErrors.Validation("template cannot be empty")
	}
	if _, err := ts.parse(template); err != nil {
		return appErrors.Validation("template: %v", err)
	}
	return nil
}

// Render fills template with the contact's fields. Any failure wraps ErrRenderFailed.
func (ts *TemplateService) Render(template string, contact model.Contact) (string, error) {
	tpl, err := ts.parse(template)
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErrors.ErrRenderFailed, err)
	}
	return execute(tpl, contact)
}

// RenderOnce is Render without touching the cache, for ad-hoc templates such
// as preview overrides.
func (ts *TemplateService) RenderOnce(template string, contact model.Contact) (string, error) {
	tpl, err := ts.engine.ParseString(normalize(template))
	if err != nil {
		return "", fmt.Errorf("%w: %v", appErrors.ErrRenderFailed, err)
	}
	return execute(tpl, contact)
}

func execute(tpl *liquid.Template, contact model.Contact) (string, error) {
	out, rerr := tpl.RenderString(contact.Bindings())
	if rerr != nil {
		return "", fmt.Errorf("%w: %v", appErrors.ErrRenderFailed, rerr)
	}
	return out, nil
}

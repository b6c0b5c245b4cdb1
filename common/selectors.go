package common

import (
	"errors"
	"regexp"
	"strings"

	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/scope"
)

// Matches `name:body`, a query engine name and selector for that engine.
var reQueryEngine = regexp.MustCompile(`^[a-zA-Z_0-9-+:*]+$`)

// Matches start of XPath query.
var reXPathSelector = regexp.MustCompile(`^\(*//`)

// SelectorPart is one `engine=body` step of a chained selector.
type SelectorPart struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// Selector is a parsed selector as sent to the in-page query engine.
type Selector struct {
	Selector string          `json:"selector"`
	Parts    []*SelectorPart `json:"parts"`

	// By default chained queries resolve to elements matched by the last selector,
	// but a selector can be prefixed with `*` to capture elements resolved by
	// an intermediate selector.
	Capture *int `json:"capture"`
}

// ParseSelector parses selector, returning an *errext.InvalidSelectorError
// when it is malformed.
func ParseSelector(selector string) (*Selector, error) {
	s := Selector{
		Selector: selector,
		Parts:    make([]*SelectorPart, 0, 1),
	}
	if strings.TrimSpace(selector) == "" {
		return nil, &errext.InvalidSelectorError{Selector: selector, Message: "selector is empty"}
	}
	if err := s.parse(); err != nil {
		return nil, &errext.InvalidSelectorError{Selector: selector, Message: err.Error()}
	}
	return &s, nil
}

func (s *Selector) String() string {
	return s.Selector
}

func (s *Selector) appendPart(p *SelectorPart, capture bool) error {
	if p.Body == "" {
		return errors.New("empty selector part")
	}
	s.Parts = append(s.Parts, p)
	if capture {
		if s.Capture != nil {
			return errors.New("only one of the selectors can capture using * modifier")
		}
		s.Capture = new(int)
		*s.Capture = (len(s.Parts) - 1)
	}
	return nil
}

func parseSelectorPart(selector string) (*SelectorPart, bool) {
	part := strings.TrimSpace(selector)
	eqIndex := strings.Index(part, "=")
	var name, body string

	switch {
	case eqIndex != -1 && reQueryEngine.MatchString(strings.TrimSpace(part[0:eqIndex])):
		name = strings.TrimSpace(part[0:eqIndex])
		body = part[eqIndex+1:]
	case len(part) > 1 && part[0] == '"' && part[len(part)-1] == '"',
		len(part) > 1 && part[0] == '\'' && part[len(part)-1] == '\'':
		name = "text"
		body = part
	case reXPathSelector.MatchString(part) || strings.HasPrefix(part, ".."):
		// If selector starts with '//' or '//' prefixed with multiple opening
		// parenthesis, consider xpath.
		// If selector starts with '..', consider xpath as well.
		name = "xpath"
		body = part
	default:
		name = "css"
		body = part
	}

	capture := false
	if name[0] == '*' {
		capture = true
		name = name[1:]
	}

	return &SelectorPart{Name: name, Body: body}, capture
}

func (s *Selector) parse() error {
	start := 0
	index := 0
	var quote byte

	for index < len(s.Selector) {
		c := s.Selector[index]
		switch {
		case c == '\\' && index+1 < len(s.Selector):
			index += 2
		case c == quote:
			quote = byte(0)
			index++
		case quote == 0 && (c == '"' || c == '\'' || c == '`'):
			quote = c
			index++
		case quote == 0 && c == '>' && index+1 < len(s.Selector) && s.Selector[index+1] == '>':
			if err := s.appendPart(parseSelectorPart(s.Selector[start:index])); err != nil {
				return err
			}
			index += 2
			start = index
		default:
			index++
		}
	}
	if quote != 0 {
		return errors.New("unterminated string")
	}

	return s.appendPart(parseSelectorPart(s.Selector[start:index]))
}

// ResolvedSelector is a selector bound to the frame and evaluation context
// it must be queried in.
type ResolvedSelector struct {
	Frame   *Frame
	Context ExecutionContext
	Parsed  *Selector
}

// Selectors resolves selectors to the context they are evaluated in.
// Resolve returns nil, nil when the selector cannot be resolved yet, for
// example because the frame it points into does not exist.
type Selectors interface {
	Resolve(p *scope.Progress, frame *Frame, selector string, strict bool) (*ResolvedSelector, error)
}

// FrameSelectors resolves every selector in the utility world of the frame
// it is used from.
type FrameSelectors struct{}

// Resolve implements Selectors.
func (FrameSelectors) Resolve(p *scope.Progress, frame *Frame, selector string, _ bool) (*ResolvedSelector, error) {
	parsed, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	ec, err := frame.UtilityContext(p)
	if err != nil {
		return nil, err
	}
	return &ResolvedSelector{Frame: frame, Context: ec, Parsed: parsed}, nil
}

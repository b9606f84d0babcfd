package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/mailpilot/internal/types"
)

// DefaultPriority is used for records that do not set one.
const DefaultPriority = 100

// Record is the configuration form of a quick rule.
//
//	- name: GitHub
//	  priority: 10
//	  match:
//	    sender_domain: [github.com]
//	  action: move
//	  folder: GitHub
type Record struct {
	Name            string                `yaml:"name"`
	Priority        *int                  `yaml:"priority"`
	Enabled         *bool                 `yaml:"enabled"`
	Match           map[string]StringList `yaml:"match"`
	MatchAny        bool                  `yaml:"match_any"`
	CaseSensitive   bool                  `yaml:"case_sensitive"`
	Conditions      *TreeRecord           `yaml:"conditions"`
	Action          string                `yaml:"action"`
	Actions         []string              `yaml:"actions"`
	Folder          string                `yaml:"folder"`
	SecondaryFolder string                `yaml:"secondary_folder"`
	Account         string                `yaml:"account"`
	Template        string                `yaml:"template"`
	Recipients      StringList            `yaml:"recipients"`
	Title           string                `yaml:"title"`
	Due             string                `yaml:"due"`
	StopProcessing  *bool                 `yaml:"stop_processing"`
}

// TreeRecord is the configuration form of a condition tree. Nodes with an
// "and"/"or" operator are groups; everything else is a leaf.
type TreeRecord struct {
	Field         string       `yaml:"field"`
	Operator      string       `yaml:"operator"`
	Value         string       `yaml:"value"`
	CaseSensitive bool         `yaml:"case_sensitive"`
	Negate        bool         `yaml:"negate"`
	Children      []TreeRecord `yaml:"children"`
}

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*l = StringList{n.Value}
		return nil
	}
	var s []string
	if err := n.Decode(&s); err != nil {
		return err
	}
	*l = s
	return nil
}

var matchSuffixes = []struct {
	suffix string
	op     Operator
}{
	{"_starts_with", OpPrefix},
	{"_prefix", OpPrefix},
	{"_contains", OpContains},
	{"_equals", OpEquals},
	{"_domain", OpDomain},
	{"_regex", OpRegex},
}

var fieldAliases = map[string]Field{
	"from":       FieldSender,
	"sender":     FieldSender,
	"subject":    FieldSubject,
	"body":       FieldBody,
	"content":    FieldBody,
	"to":         FieldRecipient,
	"recipient":  FieldRecipient,
	"recipients": FieldRecipient,
	"mailbox":    FieldMailbox,
	"account":    FieldAccount,
}

// Compile turns a record into a Rule. index is the record's position in the
// file and is used to derive an id for unnamed rules.
func (rec Record) Compile(index int) (Rule, error) {
	r := Rule{
		ID:             ruleID(rec.Name, index),
		Name:           rec.Name,
		Priority:       DefaultPriority,
		Enabled:        true,
		StopProcessing: true,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if rec.Priority != nil {
		r.Priority = *rec.Priority
	}
	if rec.Enabled != nil {
		r.Enabled = *rec.Enabled
	}
	if rec.StopProcessing != nil {
		r.StopProcessing = *rec.StopProcessing
	}

	tree, err := rec.tree()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	r.Conditions = tree

	primary, secondary, err := rec.actions()
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	r.Action = primary
	r.Secondary = secondary
	return r, nil
}

// CompileAll compiles records into an ordered Set.
func CompileAll(recs []Record) (*Set, error) {
	out := make([]Rule, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, rec := range recs {
		r, err := rec.Compile(i)
		if err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return NewSet(out), nil
}

func (rec Record) tree() (Tree, error) {
	var parts []Tree

	if rec.Conditions != nil {
		t, err := rec.Conditions.compile()
		if err != nil {
			return nil, err
		}
		parts = append(parts, t)
	}

	keys := make([]string, 0, len(rec.Match))
	for k := range rec.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		values := rec.Match[key]
		if len(values) == 0 {
			return nil, fmt.Errorf("match key %q has no values", key)
		}
		t, err := compileMatchKey(key, values, rec.CaseSensitive)
		if err != nil {
			return nil, err
		}
		parts = append(parts, t)
	}

	switch len(parts) {
	case 0:
		return nil, fmt.Errorf("no match conditions")
	case 1:
		return parts[0], nil
	}
	op := And
	if rec.MatchAny {
		op = Or
	}
	return &Group{Op: op, Children: parts}, nil
}

// compileMatchKey builds an OR group over the values of one match key.
func compileMatchKey(key string, values []string, caseSensitive bool) (Tree, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	switch key {
	case "is_read", "is_unread":
		want := "true"
		if len(values) == 1 && strings.EqualFold(values[0], "false") {
			want = "false"
		}
		if key == "is_unread" {
			if want == "true" {
				want = "false"
			} else {
				want = "true"
			}
		}
		return NewCondition(FieldRead, OpIs, want, false, false)
	case "expr":
		return orGroup(values, func(v string) (*Condition, error) {
			return NewCondition("", OpExpr, v, false, false)
		})
	}

	for _, s := range matchSuffixes {
		if !strings.HasSuffix(key, s.suffix) {
			continue
		}
		field, ok := fieldAliases[strings.TrimSuffix(key, s.suffix)]
		if !ok {
			return nil, fmt.Errorf("unknown match field in %q", key)
		}
		return orGroup(values, func(v string) (*Condition, error) {
			return NewCondition(field, s.op, v, caseSensitive, false)
		})
	}
	return nil, fmt.Errorf("unknown match key %q", key)
}

func orGroup(values []string, build func(string) (*Condition, error)) (Tree, error) {
	children := make([]Tree, 0, len(values))
	for _, v := range values {
		c, err := build(v)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Group{Op: Or, Children: children}, nil
}

func (tr TreeRecord) compile() (Tree, error) {
	switch op := strings.ToLower(tr.Operator); op {
	case "and", "or":
		g := &Group{Op: GroupOp(op)}
		for _, child := range tr.Children {
			t, err := child.compile()
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, t)
		}
		return g, nil
	}
	if len(tr.Children) > 0 {
		return nil, fmt.Errorf("leaf condition %q cannot have children", tr.Field)
	}

	field, ok := fieldAliases[strings.ToLower(tr.Field)]
	if !ok && strings.EqualFold(tr.Field, string(FieldRead)) {
		field, ok = FieldRead, true
	}
	op := Operator(strings.ToLower(tr.Operator))
	if op == "starts_with" {
		op = OpPrefix
	}
	if op == OpExpr {
		field, ok = "", true
	}
	if !ok {
		return nil, fmt.Errorf("unknown field %q", tr.Field)
	}
	return NewCondition(field, op, tr.Value, tr.CaseSensitive, tr.Negate)
}

func (rec Record) actions() (types.ActionSpec, *types.ActionSpec, error) {
	names := rec.Actions
	switch {
	case rec.Action != "" && len(rec.Actions) > 0:
		return types.ActionSpec{}, nil, fmt.Errorf("set either action or actions, not both")
	case rec.Action != "":
		names = []string{rec.Action}
	case len(names) == 0:
		return types.ActionSpec{}, nil, fmt.Errorf("no action")
	case len(names) > 2:
		return types.ActionSpec{}, nil, fmt.Errorf("at most two actions (primary and secondary), got %d", len(names))
	}

	kind, err := types.ParseActionKind(names[0])
	if err != nil {
		return types.ActionSpec{}, nil, err
	}
	primary := types.ActionSpec{
		Kind:       kind,
		Folder:     rec.Folder,
		Account:    rec.Account,
		Template:   rec.Template,
		Recipients: rec.Recipients,
		Title:      rec.Title,
		Due:        rec.Due,
	}
	if kind.NeedsFolder() && primary.Folder == "" {
		return types.ActionSpec{}, nil, fmt.Errorf("action %q needs a folder", kind)
	}
	if kind == types.ActionForward && len(primary.Recipients) == 0 {
		return types.ActionSpec{}, nil, fmt.Errorf("action %q needs recipients", kind)
	}

	if len(names) == 1 {
		return primary, nil, nil
	}
	kind2, err := types.ParseActionKind(names[1])
	if err != nil {
		return types.ActionSpec{}, nil, err
	}
	if !kind2.AllowedAsSecondary() {
		return types.ActionSpec{}, nil, fmt.Errorf("action %q is not allowed as a secondary action", kind2)
	}
	secondary := &types.ActionSpec{Kind: kind2, Account: rec.Account}
	if kind2.NeedsFolder() {
		secondary.Folder = rec.SecondaryFolder
		if secondary.Folder == "" && !kind.NeedsFolder() {
			secondary.Folder = rec.Folder
		}
		if secondary.Folder == "" {
			return types.ActionSpec{}, nil, fmt.Errorf("secondary action %q needs secondary_folder", kind2)
		}
	}
	if kind2 == types.ActionCreateReminder {
		secondary.Title, secondary.Due = rec.Title, rec.Due
	}
	return primary, secondary, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func ruleID(name string, index int) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return fmt.Sprintf("rule-%d", index+1)
	}
	return slug
}

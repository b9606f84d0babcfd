package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/daviddao/mailpilot/internal/types"
)

// Field is the item attribute a condition inspects.
type Field string

const (
	FieldSender    Field = "sender"
	FieldSubject   Field = "subject"
	FieldBody      Field = "body"
	FieldRecipient Field = "recipient"
	FieldMailbox   Field = "mailbox"
	FieldAccount   Field = "account"
	FieldRead      Field = "read"
)

// Operator is how a condition compares a field with its value.
type Operator string

const (
	OpContains Operator = "contains"
	OpEquals   Operator = "equals"
	OpPrefix   Operator = "prefix"
	OpRegex    Operator = "regex"
	OpDomain   Operator = "domain"
	// OpIs compares a boolean field (read) with "true" or "false".
	OpIs Operator = "is"
	// OpExpr evaluates an expr-lang boolean expression against the whole item.
	OpExpr Operator = "expr"
)

// Tree is a condition tree: either a *Condition or a *Group.
type Tree interface {
	eval(it *types.Item, now time.Time) bool
}

// Evaluate reports whether t holds for it at now.
func Evaluate(t Tree, it types.Item, now time.Time) bool {
	return t.eval(&it, now)
}

// GroupOp combines the children of a Group.
type GroupOp string

const (
	And GroupOp = "and"
	Or  GroupOp = "or"
)

// Group combines child trees with AND (all) or OR (any). An empty AND group
// is true, an empty OR group is false.
type Group struct {
	Op       GroupOp
	Children []Tree
}

func (g *Group) eval(it *types.Item, now time.Time) bool {
	if g.Op == Or {
		for _, c := range g.Children {
			if c.eval(it, now) {
				return true
			}
		}
		return false
	}
	for _, c := range g.Children {
		if !c.eval(it, now) {
			return false
		}
	}
	return true
}

// Condition is a leaf test on one field.
type Condition struct {
	Field         Field
	Operator      Operator
	Value         string
	CaseSensitive bool
	Negate        bool

	re   *regexp.Regexp
	prog *vm.Program
	want bool
}

// NewCondition validates and compiles a leaf condition.
func NewCondition(field Field, op Operator, value string, caseSensitive, negate bool) (*Condition, error) {
	c := &Condition{Field: field, Operator: op, Value: value, CaseSensitive: caseSensitive, Negate: negate}

	switch op {
	case OpExpr:
		prog, err := expr.Compile(value, expr.Env(exprEnv(&types.Item{}, time.Now())), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", value, err)
		}
		c.prog = prog
		return c, nil
	case OpIs:
		if field != FieldRead {
			return nil, fmt.Errorf("operator %q only applies to field %q", op, FieldRead)
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("read condition wants true or false, got %q", value)
		}
		c.want = b
		return c, nil
	case OpContains, OpEquals, OpPrefix, OpDomain:
	case OpRegex:
		pattern := value
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile regex %q: %w", value, err)
		}
		c.re = re
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}

	switch field {
	case FieldSender, FieldSubject, FieldBody, FieldRecipient, FieldMailbox, FieldAccount:
	case FieldRead:
		return nil, fmt.Errorf("field %q needs operator %q", field, OpIs)
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
	if op == OpDomain && field != FieldSender && field != FieldRecipient {
		return nil, fmt.Errorf("operator %q only applies to sender or recipient", op)
	}
	return c, nil
}

func (c *Condition) eval(it *types.Item, now time.Time) bool {
	return c.test(it, now) != c.Negate
}

func (c *Condition) test(it *types.Item, now time.Time) bool {
	switch c.Operator {
	case OpExpr:
		out, err := expr.Run(c.prog, exprEnv(it, now))
		if err != nil {
			return false
		}
		b, _ := out.(bool)
		return b
	case OpIs:
		return it.Read == c.want
	}

	for _, candidate := range c.candidates(it) {
		if c.compare(candidate) {
			return true
		}
	}
	return false
}

// candidates returns the strings a string operator is applied to.
func (c *Condition) candidates(it *types.Item) []string {
	switch c.Field {
	case FieldSender:
		if c.Operator == OpDomain {
			return []string{it.SenderDomain()}
		}
		// Match the display form and the bare address.
		return []string{it.Sender, it.SenderAddress()}
	case FieldSubject:
		return []string{it.Subject}
	case FieldBody:
		return []string{it.Body}
	case FieldMailbox:
		return []string{it.Mailbox}
	case FieldAccount:
		return []string{it.Account}
	case FieldRecipient:
		if c.Operator == OpDomain {
			out := make([]string, 0, len(it.Recipients))
			for _, r := range it.Recipients {
				out = append(out, (types.Item{Sender: r}).SenderDomain())
			}
			return out
		}
		return it.Recipients
	}
	return nil
}

func (c *Condition) compare(s string) bool {
	if c.Operator == OpRegex {
		return c.re.MatchString(s)
	}
	v := c.Value
	if !c.CaseSensitive || c.Operator == OpDomain {
		s, v = strings.ToLower(s), strings.ToLower(v)
	}
	switch c.Operator {
	case OpContains:
		return strings.Contains(s, v)
	case OpEquals:
		return s == v
	case OpPrefix:
		return strings.HasPrefix(s, v)
	case OpDomain:
		v = strings.TrimPrefix(v, "@")
		return s != "" && (s == v || strings.HasSuffix(s, "."+v))
	}
	return false
}

func exprEnv(it *types.Item, now time.Time) map[string]any {
	recipients := it.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	age := 0.0
	if !it.ReceivedAt.IsZero() {
		age = now.Sub(it.ReceivedAt).Hours()
	}
	return map[string]any{
		"sender":         it.Sender,
		"sender_address": it.SenderAddress(),
		"sender_domain":  it.SenderDomain(),
		"subject":        it.Subject,
		"body":           it.Body,
		"recipients":     recipients,
		"mailbox":        it.Mailbox,
		"account":        it.Account,
		"read":           it.Read,
		"flagged":        it.Flagged,
		"age_hours":      age,
	}
}

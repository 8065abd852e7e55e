// serialize.go implements the entry file format: a key/value header block,
// a `---` delimiter line, then the prompt body. Fields equal to their
// defaults are omitted from the header; readers accept and ignore unknown
// keys for forward compatibility.
package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const headerDelimiter = "---"

// yamlScalar renders a single value as a one-line YAML scalar (quoting when
// needed) without the trailing newline yaml.Marshal appends.
func yamlScalar(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(string(b), "\n")
}

// headerWriter accumulates header lines, skipping defaulted values.
type headerWriter struct {
	sb strings.Builder
}

func (w *headerWriter) kv(key string, v any) {
	fmt.Fprintf(&w.sb, "%s: %s\n", key, yamlScalar(v))
}

func (w *headerWriter) str(key, v string) {
	if v != "" {
		w.kv(key, v)
	}
}

func (w *headerWriter) boolTrue(key string, v bool) {
	if v {
		w.kv(key, true)
	}
}

// boolDefaultTrue emits `key: false` only when v deviates from the default.
func (w *headerWriter) boolDefaultTrue(key string, v bool) {
	if !v {
		w.kv(key, false)
	}
}

func (w *headerWriter) intNonzero(key string, v int) {
	if v != 0 {
		w.kv(key, v)
	}
}

func (w *headerWriter) list(key string, items []string) {
	if len(items) == 0 {
		return
	}
	w.sb.WriteString(key + ":\n")
	for _, it := range items {
		fmt.Fprintf(&w.sb, "  - %s\n", yamlScalar(it))
	}
}

func (w *headerWriter) policy(p Policy) {
	if p.UpdateMainSession != "" && p.UpdateMainSession != UpdateOnPing {
		w.kv("update_main_session", string(p.UpdateMainSession))
	}
	w.boolDefaultTrue("allow_ping", p.AllowPing)
	w.list("allowed_tools", p.AllowedTools)
	w.list("blocked_tools", p.BlockedTools)
}

func (w *headerWriter) finish(body string) []byte {
	w.sb.WriteString(headerDelimiter + "\n")
	w.sb.WriteString(strings.TrimSpace(body))
	w.sb.WriteString("\n")
	return []byte(w.sb.String())
}

// Serialize renders the routine in entry file format.
func (r *Routine) Serialize() []byte {
	var w headerWriter
	w.kv("id", r.ID)
	w.kv("cron", r.Cron)
	w.str("description", r.Description)
	w.boolTrue("background", r.Background)
	w.boolTrue("skip_if_busy", r.SkipIfBusy)
	w.str("model", r.Model)
	w.boolTrue("isolated", r.Isolated)
	w.boolDefaultTrue("thinking", r.Thinking)
	w.policy(r.Policy)
	return w.finish(r.Message)
}

// Serialize renders the reminder in entry file format.
func (r *Reminder) Serialize() []byte {
	var w headerWriter
	w.kv("id", r.ID)
	w.kv("run_at", r.RunAt.Format(time.RFC3339))
	w.str("description", r.Description)
	w.boolTrue("background", r.Background)
	w.boolTrue("skip_if_busy", r.SkipIfBusy)
	w.str("model", r.Model)
	w.boolTrue("isolated", r.Isolated)
	w.boolDefaultTrue("thinking", r.Thinking)
	w.intNonzero("chain_depth", r.ChainDepth)
	w.intNonzero("max_chain", r.MaxChain)
	w.str("chain_parent", r.ChainParent)
	w.policy(r.Policy)
	return w.finish(r.Message)
}

// Serialize renders the webhook in entry file format.
func (h *Webhook) Serialize() []byte {
	var w headerWriter
	w.kv("id", h.ID)
	w.str("description", h.Description)
	if len(h.Fields) > 0 {
		w.sb.WriteString("fields:\n")
		names := make([]string, 0, len(h.Fields))
		for name := range h.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := h.Fields[name]
			fmt.Fprintf(&w.sb, "  %s:\n", yamlScalar(name))
			fmt.Fprintf(&w.sb, "    type: %s\n", yamlScalar(spec.Type))
			if spec.Required {
				w.sb.WriteString("    required: true\n")
			}
			if len(spec.Enum) > 0 {
				w.sb.WriteString("    enum:\n")
				for _, e := range spec.Enum {
					fmt.Fprintf(&w.sb, "      - %s\n", yamlScalar(e))
				}
			}
			if spec.MaxLength > 0 {
				fmt.Fprintf(&w.sb, "    max_length: %d\n", spec.MaxLength)
			}
		}
	}
	w.str("model", h.Model)
	w.boolDefaultTrue("thinking", h.Thinking)
	w.policy(h.Policy)
	return w.finish(h.Message)
}

// yamlUnmarshalHeader decodes a header block, ignoring unknown keys.
func yamlUnmarshalHeader(header string, v any) error {
	return yaml.Unmarshal([]byte(header), v)
}

// splitEntry separates the header block from the body at the first
// delimiter line.
func splitEntry(data []byte) (header, body string, err error) {
	text := string(data)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == headerDelimiter {
			header = strings.Join(lines[:i], "\n")
			body = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return header, body, nil
		}
	}
	return "", "", fmt.Errorf("missing %q delimiter", headerDelimiter)
}

// ParseRoutine parses an entry file into a routine, applying defaults for
// omitted header keys and ignoring unknown ones.
func ParseRoutine(data []byte) (*Routine, error) {
	header, body, err := splitEntry(data)
	if err != nil {
		return nil, err
	}
	r := &Routine{Thinking: true, Policy: DefaultPolicy()}
	if err := yaml.Unmarshal([]byte(header), r); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	r.Message = body
	if r.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseReminder parses an entry file into a reminder.
func ParseReminder(data []byte) (*Reminder, error) {
	header, body, err := splitEntry(data)
	if err != nil {
		return nil, err
	}
	r := &Reminder{Thinking: true, Policy: DefaultPolicy()}
	if err := yaml.Unmarshal([]byte(header), r); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	r.Message = body
	if r.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if r.RunAt.IsZero() {
		return nil, fmt.Errorf("missing run_at")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseWebhook parses an entry file into a webhook.
func ParseWebhook(data []byte) (*Webhook, error) {
	header, body, err := splitEntry(data)
	if err != nil {
		return nil, err
	}
	h := &Webhook{Thinking: true, Policy: DefaultPolicy()}
	if err := yaml.Unmarshal([]byte(header), h); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	h.Message = body
	if h.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if err := h.Policy.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

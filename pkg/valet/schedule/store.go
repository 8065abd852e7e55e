// store.go persists schedule entries as one Markdown file per entry under
// the state root. Writes are crash-safe (tempfile + rename); reads are
// tolerant (malformed files are skipped with a warning) and return entries
// in lexicographic filename order, which is stable across processes.
package schedule

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/valetbot/valet/pkg/valet/atomicfile"
)

// CommitFunc is invoked after a successful write or remove so callers can
// record a version-control commit. Best-effort; errors are logged only.
type CommitFunc func(path, action string) error

// Store reads and writes schedule entry files.
type Store struct {
	root   string
	logger *slog.Logger
	commit CommitFunc
}

// NewStore creates a store rooted at the state directory.
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "schedule_store"),
	}
}

// SetCommitFunc installs an optional version-control hook.
func (s *Store) SetCommitFunc(fn CommitFunc) { s.commit = fn }

// Dir returns the directory for a kind.
func (s *Store) Dir(kind Kind) string {
	return filepath.Join(s.root, string(kind))
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a filesystem-safe base name from the entry message.
func Slugify(message string) string {
	line := strings.ToLower(strings.TrimSpace(message))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	slug := strings.Trim(slugStrip.ReplaceAllString(line, "-"), "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		slug = "entry"
	}
	return slug
}

// entryFile is the minimal header shape needed to identify a file.
type entryFile struct {
	ID string `yaml:"id"`
}

// fileID extracts the id from an entry file on disk, or "" when unreadable.
func (s *Store) fileID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	header, _, err := splitEntry(data)
	if err != nil {
		return ""
	}
	var ef entryFile
	if yamlUnmarshalHeader(header, &ef) != nil {
		return ""
	}
	return ef.ID
}

// resolvePath picks the filename for a new write: the plain slug when free
// or already owned by this id, otherwise slug-N (N>=2).
func (s *Store) resolvePath(kind Kind, slug, id string) string {
	dir := s.Dir(kind)
	base := filepath.Join(dir, slug+".md")
	if s.fileOwnedOrFree(base, id) {
		return base
	}
	for n := 2; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d.md", slug, n))
		if s.fileOwnedOrFree(candidate, id) {
			return candidate
		}
	}
}

func (s *Store) fileOwnedOrFree(path, id string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true
	}
	return s.fileID(path) == id
}

// write persists serialized entry data under kind, returning the path.
func (s *Store) write(kind Kind, id, message string, data []byte) (string, error) {
	path := s.resolvePath(kind, Slugify(message), id)
	if err := atomicfile.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	if s.commit != nil {
		if err := s.commit(path, "write"); err != nil {
			s.logger.Warn("commit hook failed", "path", path, "error", err)
		}
	}
	s.logger.Debug("entry written", "kind", string(kind), "id", id, "path", path)
	return path, nil
}

// WriteRoutine persists a routine.
func (s *Store) WriteRoutine(r *Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.write(KindRoutine, r.ID, r.Message, r.Serialize())
	return err
}

// WriteReminder persists a reminder.
func (s *Store) WriteReminder(r *Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.write(KindReminder, r.ID, r.Message, r.Serialize())
	return err
}

// WriteWebhook persists a webhook entry.
func (s *Store) WriteWebhook(h *Webhook) error {
	if err := h.Policy.Validate(); err != nil {
		return err
	}
	_, err := s.write(KindWebhook, h.ID, h.Message, h.Serialize())
	return err
}

// Remove deletes the entry file whose header id matches. Returns
// os.ErrNotExist when no file carries the id.
func (s *Store) Remove(kind Kind, id string) error {
	path, ok := s.PathFor(kind, id)
	if !ok {
		return fmt.Errorf("%s %q: %w", kind, id, os.ErrNotExist)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if s.commit != nil {
		if err := s.commit(path, "remove"); err != nil {
			s.logger.Warn("commit hook failed", "path", path, "error", err)
		}
	}
	s.logger.Debug("entry removed", "kind", string(kind), "id", id, "path", path)
	return nil
}

// PathFor locates the file holding the entry with the given id.
func (s *Store) PathFor(kind Kind, id string) (string, bool) {
	for _, path := range s.listFiles(kind) {
		if s.fileID(path) == id {
			return path, true
		}
	}
	return "", false
}

// listFiles returns the .md files of a kind in lexicographic order.
func (s *Store) listFiles(kind Kind) []string {
	dir := s.Dir(kind)
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		paths = append(paths, filepath.Join(dir, de.Name()))
	}
	return paths
}

// Routines reads every routine, skipping malformed files.
func (s *Store) Routines() []*Routine {
	var out []*Routine
	for _, path := range s.listFiles(KindRoutine) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable routine", "path", path, "error", err)
			continue
		}
		r, err := ParseRoutine(data)
		if err != nil {
			s.logger.Warn("skipping malformed routine", "path", path, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Reminders reads every reminder, skipping malformed files.
func (s *Store) Reminders() []*Reminder {
	var out []*Reminder
	for _, path := range s.listFiles(KindReminder) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable reminder", "path", path, "error", err)
			continue
		}
		r, err := ParseReminder(data)
		if err != nil {
			s.logger.Warn("skipping malformed reminder", "path", path, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Webhooks reads every webhook entry, skipping malformed files.
func (s *Store) Webhooks() []*Webhook {
	var out []*Webhook
	for _, path := range s.listFiles(KindWebhook) {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable webhook", "path", path, "error", err)
			continue
		}
		h, err := ParseWebhook(data)
		if err != nil {
			s.logger.Warn("skipping malformed webhook", "path", path, "error", err)
			continue
		}
		out = append(out, h)
	}
	return out
}

// Routine loads one routine by id.
func (s *Store) Routine(id string) (*Routine, bool) {
	for _, r := range s.Routines() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Reminder loads one reminder by id.
func (s *Store) Reminder(id string) (*Reminder, bool) {
	for _, r := range s.Reminders() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Webhook loads one webhook entry by id.
func (s *Store) Webhook(id string) (*Webhook, bool) {
	for _, h := range s.Webhooks() {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// Package logkind is the closed registry of SmarterMail log kinds and the
// correlation rules each kind uses to tie lines into conversations.
package logkind

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Canonical kind names
const (
	SMTP             = "smtp"
	IMAP             = "imap"
	POP              = "pop"
	Delivery         = "delivery"
	Administrative   = "administrative"
	IMAPRetrieval    = "imapretrieval"
	Activation       = "activation"
	AutoCleanFolders = "autocleanfolders"
	Calendars        = "calendars"
	ContentFilter    = "contentfilter"
	Event            = "event"
	GeneralErrors    = "generalerrors"
	Indexing         = "indexing"
	LDAP             = "ldap"
	Maintenance      = "maintenance"
	Profiler         = "profiler"
	SpamChecks       = "spamchecks"
	WebDAV           = "webdav"
)

const timePattern = `\d{2}:\d{2}:\d{2}(?:\.\d{3})?`

var (
	sessionIDPattern    = regexp.MustCompile(`\[[^\]]*\]\[([^\]]+)\]`)
	deliveryPattern     = regexp.MustCompile(`^` + timePattern + ` \[([^\]]+)\] `)
	bracket2Pattern     = regexp.MustCompile(`^` + timePattern + ` \[([^\]]*)\] \[[^\]]*\] `)
	bracket1Pattern     = regexp.MustCompile(`^` + timePattern + ` \[([^\]]+)\] `)
	trailingTimePattern = regexp.MustCompile(`^\[([^\]]+)\]\s+.*\s+` + timePattern + `$`)
)

// Kind describes how one log kind is correlated
type Kind struct {
	// Name is the canonical registry key
	Name string
	// Stem is the kind segment of SmarterMail file names, e.g. "smtpLog"
	Stem string
	// Grouped kinds carry an identifier; ungrouped kinds are split on timestamps
	Grouped bool

	aliases  []string
	extract  func(line string) (string, bool)
	boundary func(line string) bool
}

// Extract returns the correlation key of a line, if it carries one
func (k *Kind) Extract(line string) (string, bool) {
	if k.extract == nil {
		return "", false
	}
	return k.extract(line)
}

// IsEntryBoundary reports whether a keyless line starts a new entry
func (k *Kind) IsEntryBoundary(line string) bool {
	if k.boundary == nil {
		return false
	}
	return k.boundary(line)
}

// Aliases returns the alternative names accepted for this kind
func (k *Kind) Aliases() []string {
	return append([]string(nil), k.aliases...)
}

// UnsupportedKindError is returned for names outside the registry
type UnsupportedKindError struct {
	Name        string
	Suggestions []string
}

func (e *UnsupportedKindError) Error() string {
	msg := fmt.Sprintf("unsupported log kind %q", e.Name)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

var (
	registry = map[string]*Kind{}
	aliases  = map[string]string{}
	ordered  []*Kind
)

func register(k *Kind) {
	registry[k.Name] = k
	aliases[k.Name] = k.Name
	for _, a := range k.aliases {
		aliases[a] = k.Name
	}
	ordered = append(ordered, k)
}

func submatch(re *regexp.Regexp) func(string) (string, bool) {
	return func(line string) (string, bool) {
		m := re.FindStringSubmatch(line)
		if m == nil || m[1] == "" {
			return "", false
		}
		return m[1], true
	}
}

func extractAdministrative(line string) (string, bool) {
	if m := bracket1Pattern.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := trailingTimePattern.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", false
}

func init() {
	session := submatch(sessionIDPattern)
	register(&Kind{Name: SMTP, Stem: "smtpLog", Grouped: true, aliases: []string{"smtplog"}, extract: session})
	register(&Kind{Name: IMAP, Stem: "imapLog", Grouped: true, aliases: []string{"imaplog"}, extract: session})
	register(&Kind{Name: POP, Stem: "popLog", Grouped: true, aliases: []string{"poplog"}, extract: session})
	register(&Kind{Name: Delivery, Stem: "delivery", Grouped: true, aliases: []string{"deliverylog"}, extract: submatch(deliveryPattern)})
	register(&Kind{Name: Administrative, Stem: "administrative", Grouped: true, aliases: []string{"administrativelog"}, extract: extractAdministrative})
	register(&Kind{Name: IMAPRetrieval, Stem: "imapRetrievalLog", Grouped: true, aliases: []string{"imapretrievallog"}, extract: submatch(bracket2Pattern)})

	for _, name := range []string{
		Activation, AutoCleanFolders, Calendars, ContentFilter, Event, GeneralErrors,
		Indexing, LDAP, Maintenance, Profiler, SpamChecks, WebDAV,
	} {
		register(&Kind{
			Name:     name,
			Stem:     stemFor(name),
			aliases:  []string{name + "log"},
			boundary: StartsWithTimestamp,
		})
	}
}

func stemFor(name string) string {
	switch name {
	case LDAP:
		return "ldapLog"
	case GeneralErrors:
		return "generalErrors"
	case AutoCleanFolders:
		return "autoCleanFolders"
	case ContentFilter:
		return "contentFilter"
	case SpamChecks:
		return "spamChecks"
	default:
		return name
	}
}

// Normalize maps a user-supplied name or alias to its canonical form.
// Unknown names are returned lower-cased and trimmed.
func Normalize(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

// Lookup resolves a kind by name or alias
func Lookup(name string) (*Kind, error) {
	if k, ok := registry[Normalize(name)]; ok {
		return k, nil
	}
	return nil, &UnsupportedKindError{Name: name, Suggestions: suggest(name)}
}

// All returns every registered kind in registration order
func All() []*Kind {
	return append([]*Kind(nil), ordered...)
}

// Names returns the sorted canonical names
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// suggest ranks known names and aliases against a misspelt kind
func suggest(name string) []string {
	query := strings.ToLower(strings.TrimSpace(name))
	if query == "" {
		return nil
	}
	candidates := make([]string, 0, len(aliases))
	for alias := range aliases {
		candidates = append(candidates, alias)
	}
	sort.Strings(candidates)

	seen := map[string]bool{}
	var out []string
	for _, m := range fuzzy.Find(query, candidates) {
		canonical := aliases[m.Str]
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// StartsWithTimestamp reports whether line begins with HH:MM:SS
func StartsWithTimestamp(line string) bool {
	if len(line) < 8 {
		return false
	}
	digit := func(b byte) bool { return b >= '0' && b <= '9' }
	return digit(line[0]) && digit(line[1]) && line[2] == ':' &&
		digit(line[3]) && digit(line[4]) && line[5] == ':' &&
		digit(line[6]) && digit(line[7])
}

package maze

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// StyleTier governs how much real markup a page carries; it degrades as
// suspicion or depth rises, both to save server-side render cost and to
// make the page less useful for a crawler trying to extract content.
type StyleTier string

const (
	StyleFull    StyleTier = "full"
	StyleLite    StyleTier = "lite"
	StyleMachine StyleTier = "machine"
)

// TierFor picks a style tier from traversal depth and the bucket's
// accumulated risk score.
func TierFor(depth, riskScore int, repeatViolations bool) StyleTier {
	if repeatViolations && depth >= 3 {
		return StyleMachine
	}
	if depth >= 2 || riskScore >= 4 {
		return StyleLite
	}
	return StyleFull
}

var nouns = []string{"portal", "ledger", "archive", "registry", "gateway", "index", "vault", "terminal"}
var departments = []string{"Finance", "Operations", "Compliance", "Logistics", "Research", "Support"}

// seededRNG builds a per-minute-rotating RNG from the bucket's identity, so
// content drifts across requests but is stable within a minute window for
// a given bucket (defeating naive content-hash fingerprint caching without
// making the page non-reproducible within a single crawl burst).
func seededRNG(mazeSecret, site, ipBucket, uaBucket, path string, entropyNonce int64, now time.Time) *rand.Rand {
	minuteWindow := now.Unix() / 60
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%d", mazeSecret, site, ipBucket, uaBucket, path, entropyNonce, minuteWindow)
	sum := h.Sum(nil)
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func generateTitle(rng *rand.Rand) string {
	return fmt.Sprintf("%s %s", departments[rng.Intn(len(departments))], capitalize(nouns[rng.Intn(len(nouns))]))
}

func generateParagraph(rng *rand.Rand) string {
	words := make([]string, 12+rng.Intn(8))
	for i := range words {
		words[i] = nouns[rng.Intn(len(nouns))]
	}
	return capitalize(strings.Join(words, " ")) + "."
}

func generateLinkText(rng *rand.Rand) string {
	return fmt.Sprintf("%s %s", capitalize(departments[rng.Intn(len(departments))]), nouns[rng.Intn(len(nouns))])
}

// Link is a single outbound anchor in a rendered maze page.
type Link struct {
	Path  string
	Text  string
	Token string
}

// PageOptions collects everything Render needs to build one maze page.
type PageOptions struct {
	Tier              StyleTier
	Title             string
	Paragraphs        []string
	VisibleLinks      []Link
	HiddenCount       int
	ExpansionSeed     string
	ExpansionSeedSig  string
	ParentToken       string
	MaxResponseBytes  int
}

// Render produces the HTML page for a maze node. At StyleMachine it emits
// minimal markup with no visible links, forcing any further traversal
// through the checkpoint-gated issue-links endpoint.
func Render(opts PageOptions) string {
	var b strings.Builder
	switch opts.Tier {
	case StyleMachine:
		b.WriteString("<!doctype html><html><body><p>")
		b.WriteString(opts.Title)
		b.WriteString("</p></body></html>")
	default:
		b.WriteString("<!doctype html><html><head><title>")
		b.WriteString(opts.Title)
		b.WriteString("</title></head><body>")
		b.WriteString("<h1>")
		b.WriteString(opts.Title)
		b.WriteString("</h1>")
		if opts.Tier == StyleFull {
			for _, p := range opts.Paragraphs {
				b.WriteString("<p>")
				b.WriteString(p)
				b.WriteString("</p>")
			}
		}
		b.WriteString("<ul>")
		for _, l := range opts.VisibleLinks {
			fmt.Fprintf(&b, `<li><a href="%s?mt=%s">%s</a></li>`, l.Path, l.Token, l.Text)
		}
		b.WriteString("</ul>")
		fmt.Fprintf(&b, `<script type="application/json" id="mz-bootstrap">{"hidden_count":%d,"seed":%q,"sig":%q,"parent":%q}</script>`,
			opts.HiddenCount, opts.ExpansionSeed, opts.ExpansionSeedSig, opts.ParentToken)
		b.WriteString("</body></html>")
	}

	out := b.String()
	if opts.MaxResponseBytes > 0 && len(out) > opts.MaxResponseBytes {
		return fmt.Sprintf("<!doctype html><html><body><p>%s</p></body></html>", opts.Title)
	}
	return out
}

// BuildPage assembles a PageOptions using the seeded RNG for content drift
// and generates visibleCount fresh child tokens as inline links.
func BuildPage(mazeSecret, site, ipBucket, uaBucket, path string, entropyNonce int64, now time.Time, tier StyleTier, parent Token, visibleCount, hiddenCount int, secret string, childTTL time.Duration) (PageOptions, error) {
	rng := seededRNG(mazeSecret, site, ipBucket, uaBucket, path, entropyNonce, now)
	title := generateTitle(rng)

	paragraphs := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		paragraphs = append(paragraphs, generateParagraph(rng))
	}

	links := make([]Link, 0, visibleCount)
	for i := 0; i < visibleCount; i++ {
		linkPath := fmt.Sprintf("/maze/%s", generatePathSegment(rng))
		linkText := generateLinkText(rng)
		raw, _, err := IssueChild(parent, linkPath, secret, childTTL, now)
		if err != nil {
			return PageOptions{}, err
		}
		links = append(links, Link{
			Path:  linkPath,
			Text:  linkText,
			Token: raw,
		})
	}

	seed := fmt.Sprintf("%d-%d", entropyNonce, now.Unix())
	sig := SignExpansionSeed(seed, mazeSecret)
	parentRaw, err := Sign(parent, secret)
	if err != nil {
		return PageOptions{}, err
	}

	return PageOptions{
		Tier:             tier,
		Title:            title,
		Paragraphs:       paragraphs,
		VisibleLinks:     links,
		HiddenCount:      hiddenCount,
		ExpansionSeed:    seed,
		ExpansionSeedSig: sig,
		ParentToken:      parentRaw,
	}, nil
}

func generatePathSegment(rng *rand.Rand) string {
	return fmt.Sprintf("%s-%d", nouns[rng.Intn(len(nouns))], rng.Intn(100000))
}

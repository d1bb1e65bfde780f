package dat

import (
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/text/width"
)

const (
	// MaxDistance is assigned to the current thread itself so it sorts last.
	MaxDistance = 1 << 30
	// MinDistance is assigned to a different thread with an identical subject.
	MinDistance = -(1 << 30)

	// Bonus is subtracted from the score for each piece of supporting evidence.
	Bonus = 100
	// RecentWindow is how many trailing posts are scanned for thread links.
	RecentWindow = 100
)

// Candidate is a possible successor thread.
type Candidate struct {
	URI          string `json:"uri"`
	Key          string `json:"key"`
	Subject      string `json:"subject"`
	Posts        int    `json:"posts"`
	Distance     int    `json:"distance"`
	Continuous   bool   `json:"continuous"`
	AppearRecent bool   `json:"appear_recent"`
	// LastSeen is the number of the last post linking to the candidate.
	LastSeen int `json:"last_seen,omitempty"`
	Score    int `json:"score"`
}

var (
	// copyrightTail matches board boilerplate such as
	// "[無断転載禁止]&copy;2ch.net" appended to subjects.
	copyrightTail = regexp.MustCompile(`\s*(?:\[[^\]]*\]\s*)?(?:&copy;|©)[\w.\-]*\s*$`)

	// counterPattern only accepts digits at the end of the subject, optionally
	// followed by closing brackets.
	counterPattern = regexp.MustCompile(`(\d+)[\s)\]】」』]*$`)
)

// trailingCounter returns the part counter ending subject, folding
// full-width digits first ("Part１２" -> 12) and ignoring a copyright tail.
func trailingCounter(subject string) (int, bool) {
	s := copyrightTail.ReplaceAllString(width.Fold.String(subject), "")
	m := counterPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// recentLinks maps thread keys linked from the last RecentWindow posts of th
// (same host and board) to the number of the last post that linked them.
func recentLinks(th *Thread) map[string]int {
	pattern := regexp.MustCompile(`h?ttps?://` + regexp.QuoteMeta(th.Host) + `/test/read\.cgi/` + regexp.QuoteMeta(th.Board) + `/(\d+)`)
	from := th.Len() - RecentWindow + 1
	seen := make(map[string]int)
	for _, r := range th.Records(from) {
		for _, m := range pattern.FindAllStringSubmatch(r.Body, -1) {
			seen[m[1]] = r.N
		}
	}
	return seen
}

// GuessNext ranks index entries as successors of th, best first. The score is
// the subject edit distance minus Bonus for a part counter exactly one above
// the current one and minus Bonus for a link posted near the end of th.
func GuessNext(th *Thread, index []SubjectEntry) []Candidate {
	subject := th.Subject()
	current := []rune(subject)
	counter, hasCounter := trailingCounter(subject)
	recent := recentLinks(th)

	out := make([]Candidate, 0, len(index))
	for _, e := range index {
		c := Candidate{URI: th.threadURI(e.Key), Key: e.Key, Subject: e.Subject, Posts: e.Posts}
		if hasCounter {
			if n, ok := trailingCounter(e.Subject); ok && n == counter+1 {
				c.Continuous = true
			}
		}
		if n, ok := recent[e.Key]; ok {
			c.AppearRecent = true
			c.LastSeen = n
		}
		switch {
		case e.Key == th.Key:
			c.Distance = MaxDistance
		case e.Subject == subject:
			c.Distance = MinDistance
		default:
			c.Distance = Levenshtein([]rune(e.Subject), current)
		}
		c.Score = c.Distance
		if c.Continuous {
			c.Score -= Bonus
		}
		if c.AppearRecent {
			c.Score -= Bonus
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

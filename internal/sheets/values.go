package sheets

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"tasksheet/internal/domain"
)

var leadingInt = regexp.MustCompile(`^\s*(\d+)`)

// normDuration keeps numeric text, maps completion markers to the sentinel
// and reduces values such as "5 dias" to their leading integer.
func normDuration(s string, m domain.Marker) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if m.Matches(s) {
		return m.Value()
	}
	if _, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64); err == nil {
		return s
	}
	if m := leadingInt.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// normPercent parses 0-100 values, a % suffix and 0-1 fractions.
func normPercent(s string) int {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0
	}
	hasSep := strings.ContainsAny(s, ".,")
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	if hasSep && f <= 1 {
		f *= 100
	}
	return clampPercent(int(math.Round(f)))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "100", "sim", "true", "verdadeiro", "concluído", "concluido", "concluída", "concluida":
		return true
	}
	return false
}

func parseVersion(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 1 {
		return int(f)
	}
	return 1
}

func isURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

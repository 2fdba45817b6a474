package domain

import "strconv"

// Candidate is one enumerated key probed against the remote resource.
type Candidate uint64

func (c Candidate) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCandidate parses the decimal form produced by String.
func ParseCandidate(s string) (Candidate, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Candidate(v), nil
}

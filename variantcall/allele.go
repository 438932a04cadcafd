// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package variantcall

import (
	"fmt"

	"github.com/grailbio/varcall/pileup"
)

// AlleleKind classifies the kind of interval observation an Allele
// represents.
type AlleleKind int

const (
	// AlleleRef is the reference base at the site.
	AlleleRef AlleleKind = iota
	// AlleleSNP is a single-base substitution.
	AlleleSNP
	// AlleleInsertion is an inserted base string.
	AlleleInsertion
	// AlleleDeletion is a deleted base string.
	AlleleDeletion
	// AlleleMNP is a multi-nucleotide substitution.
	AlleleMNP
)

// Allele is a single interval observation: a specific base or base string
// observed by one read at the site under consideration.
type Allele struct {
	Kind     AlleleKind
	Bases    string
	ReadID   string
	BaseQual byte
	MapQual  byte
	Strand   pileup.StrandType
}

// groupKey returns the equivalence-group key for a: two alleles are
// equivalent, and therefore counted together, iff their kind and base
// string match.
func (a Allele) groupKey() string {
	return fmt.Sprintf("%d:%s", a.Kind, a.Bases)
}

// equivalent reports whether a and b belong to the same allele group.
func (a Allele) equivalent(b Allele) bool {
	return a.Kind == b.Kind && a.Bases == b.Bases
}

// Sample is a named bag of observations at one site, partitioned by allele
// equivalence group.
type Sample struct {
	Name   string
	Ploidy int
	// Technology names the sequencing platform this sample's reads came
	// from (e.g. "pacbio", "ont"); empty means unspecified. It selects the
	// per-technology entry of Opts.ErrFloorScalarByTechnology in
	// errFloorScalarFor (C3).
	Technology string

	// groups maps a group key to the (non-empty) list of observations
	// sharing that key; groupAlleles populates this once per site.
	groups map[string][]Allele
	// order preserves first-seen order of groups, for determinism.
	order []string
	total int
}

// NewSample builds a Sample from its raw observations by grouping them
// (C1's groupAlleles).
func NewSample(name string, ploidy int, obs []Allele) *Sample {
	s := &Sample{Name: name, Ploidy: ploidy}
	s.groupAlleles(obs)
	return s
}

// NewSampleWithTechnology is NewSample plus a sequencing-technology tag,
// used by the source adapter to carry sequencingTechnologies (§6) through
// to the per-technology error floor (C3).
func NewSampleWithTechnology(name string, ploidy int, technology string, obs []Allele) *Sample {
	s := NewSample(name, ploidy, obs)
	s.Technology = technology
	return s
}

// groupAlleles partitions obs by equivalence group (C1:
// groupAlleles(Sample) -> map<group-key, observations>).
func (s *Sample) groupAlleles(obs []Allele) {
	s.groups = make(map[string][]Allele, len(obs))
	for _, a := range obs {
		key := a.groupKey()
		if _, ok := s.groups[key]; !ok {
			s.order = append(s.order, key)
		}
		s.groups[key] = append(s.groups[key], a)
		s.total++
	}
}

// Groups returns the canonical-order list of (representative allele, count)
// pairs observed in the sample. The representative allele is the first
// observation seen in each group, which carries the group's Kind/Bases.
func (s *Sample) Groups() []AlleleCount {
	out := make([]AlleleCount, 0, len(s.order))
	for _, key := range s.order {
		obsList := s.groups[key]
		out = append(out, AlleleCount{Allele: obsList[0], Count: len(obsList)})
	}
	return out
}

// ObservationCount returns the number of observations of allele a (matched
// by equivalence group) present in the sample.
func (s *Sample) ObservationCount(a Allele) int {
	return len(s.groups[a.groupKey()])
}

// Observations returns every observation in the sample, in group order.
func (s *Sample) Observations() []Allele {
	out := make([]Allele, 0, s.total)
	for _, key := range s.order {
		out = append(out, s.groups[key]...)
	}
	return out
}

// Total returns the total observation count in the sample.
func (s *Sample) Total() int { return s.total }

// DistinctAlleles returns the set of distinct alleles observed in the
// sample, one representative per equivalence group, in canonical order.
func (s *Sample) DistinctAlleles() []Allele {
	out := make([]Allele, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.groups[key][0])
	}
	return out
}

// CountAlleles returns the total number of observations across all samples
// (C1: countAlleles(samples) -> int).
func CountAlleles(samples []*Sample) int {
	total := 0
	for _, s := range samples {
		total += s.Total()
	}
	return total
}

// AlleleCount pairs an allele with an observation or genotype count.
type AlleleCount struct {
	Allele Allele
	Count  int
}

// SufficientAlternateObservations returns true iff at least one non-
// reference allele group has >= minCount observations and represents
// >= minFraction of all observations across samples (C1). This is a cheap
// early rejection of positions that cannot yield a call.
func SufficientAlternateObservations(samples []*Sample, minCount int, minFraction float64) bool {
	total := CountAlleles(samples)
	if total == 0 {
		return false
	}
	counts := map[string]int{}
	reps := map[string]Allele{}
	for _, s := range samples {
		for _, key := range s.order {
			obsList := s.groups[key]
			counts[key] += len(obsList)
			reps[key] = obsList[0]
		}
	}
	for key, count := range counts {
		a := reps[key]
		if a.Kind == AlleleRef {
			continue
		}
		if count >= minCount && float64(count)/float64(total) >= minFraction {
			return true
		}
	}
	return false
}

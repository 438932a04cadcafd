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
	"sort"
	"strconv"
)

// Genotype is an unordered multiset of (allele, count) pairs whose counts
// sum to the sample's ploidy.
type Genotype struct {
	Counts []AlleleCount
}

// Ploidy returns the sum of the genotype's allele counts.
func (g Genotype) Ploidy() int {
	n := 0
	for _, ac := range g.Counts {
		n += ac.Count
	}
	return n
}

// Homozygous reports whether g names a single distinct allele.
func (g Genotype) Homozygous() bool {
	return len(g.Counts) == 1
}

// canonicalKey returns a deterministic string uniquely identifying g's
// (allele, count) multiset, used for dedup and sort tie-breaking.
func (g Genotype) canonicalKey() string {
	key := ""
	for _, ac := range g.Counts {
		key += ac.Allele.groupKey() + "#" + strconv.Itoa(ac.Count) + "|"
	}
	return key
}

// SupportsObservations reports whether genotype g "supports" the sample's
// observations: in strong form (strong=true) every allele of g must have at
// least one observation in the sample; in weak form, at least one must.
func (g Genotype) SupportsObservations(s *Sample) bool {
	return g.supports(s, true)
}

// SupportsObservationsWeak is the weak form of SupportsObservations: at
// least one allele of g has observation support in the sample.
func (g Genotype) SupportsObservationsWeak(s *Sample) bool {
	return g.supports(s, false)
}

func (g Genotype) supports(s *Sample, strong bool) bool {
	for _, ac := range g.Counts {
		observed := s.ObservationCount(ac.Allele) > 0
		if strong && !observed {
			return false
		}
		if !strong && observed {
			return true
		}
	}
	return strong
}

// alleleOrderKey returns the canonical ordering key for an allele, used to
// make genotype enumeration deterministic regardless of input order.
func alleleOrderKey(a Allele) string {
	return a.groupKey()
}

// AllPossibleGenotypes returns every multiset of length ploidy drawn with
// replacement from alleles, in deterministic canonical order (C2). Alleles
// are first sorted canonically so that the same allele set always yields
// byte-identical enumeration order regardless of discovery order.
func AllPossibleGenotypes(ploidy int, alleles []Allele) []Genotype {
	if ploidy <= 0 || len(alleles) == 0 {
		return nil
	}
	sorted := make([]Allele, len(alleles))
	copy(sorted, alleles)
	sort.Slice(sorted, func(i, j int) bool {
		return alleleOrderKey(sorted[i]) < alleleOrderKey(sorted[j])
	})

	var out []Genotype
	// Combinations-with-replacement of `ploidy` picks from len(sorted)
	// allele types, generated by non-decreasing index sequences.
	idx := make([]int, ploidy)
	n := len(sorted)
	var emit func()
	emit = func() {
		counts := map[int]int{}
		order := []int{}
		for _, i := range idx {
			if _, ok := counts[i]; !ok {
				order = append(order, i)
			}
			counts[i]++
		}
		sort.Ints(order)
		g := Genotype{Counts: make([]AlleleCount, 0, len(order))}
		for _, i := range order {
			g.Counts = append(g.Counts, AlleleCount{Allele: sorted[i], Count: counts[i]})
		}
		out = append(out, g)
	}

	var gen func(pos, minIdx int)
	gen = func(pos, minIdx int) {
		if pos == ploidy {
			emit()
			return
		}
		for i := minIdx; i < n; i++ {
			idx[pos] = i
			gen(pos+1, i)
		}
	}
	gen(0, 0)
	return out
}

// FilterGenotypes applies the configured GenotypePolicy to a per-sample
// genotype list (C2).
func FilterGenotypes(genotypes []Genotype, s *Sample, policy GenotypePolicy) []Genotype {
	switch policy {
	case PolicyAll:
		return genotypes
	case PolicyExcludeUnobserved:
		out := make([]Genotype, 0, len(genotypes))
		for _, g := range genotypes {
			if g.SupportsObservationsWeak(s) {
				out = append(out, g)
			}
		}
		return out
	case PolicyExcludePartiallyObserved:
		out := make([]Genotype, 0, len(genotypes))
		for _, g := range genotypes {
			if g.SupportsObservations(s) {
				out = append(out, g)
			}
		}
		return out
	default:
		return genotypes
	}
}

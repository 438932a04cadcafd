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
	"strings"
)

// SampleDataLikelihood is one sample's assignment within a GenotypeCombo: its
// genotype, that genotype's data log-likelihood, and (once the marginal
// refinement loop of C6 has run) the current log marginal for this
// (sample, genotype) pair, pooled across every combo that assigns it.
type SampleDataLikelihood struct {
	Sample   *Sample
	Genotype Genotype
	LogProb  float64
	Marginal float64
}

// GenotypeCombo is one joint assignment of a genotype to every sample at the
// site, together with the probability terms the search (C5) and marginal
// refinement (C6) stages accumulate against it.
type GenotypeCombo struct {
	Assignments []SampleDataLikelihood

	// LogLikelihood is the sum of each sample's data log-likelihood under its
	// assigned genotype: sum_s log p(obs_s | g_s).
	LogLikelihood float64

	// LogPriorAf is log p(allele frequencies implied by this combo), the
	// Ewens/Watterson term (C4).
	LogPriorAf float64

	// LogPriorGivenAf is log p(genotype assignment | allele frequencies): the
	// HWE or pooled-uniform term, including any permutation multiplicity
	// (C4).
	LogPriorGivenAf float64

	// LogPriorObservations is the observation-count and allele-balance prior
	// contribution (C4), already combined with DiffusionPriorScalar.
	LogPriorObservations float64

	// LogPosterior is the unnormalized log joint probability of this combo:
	// LogLikelihood + LogPriorAf + LogPriorGivenAf + LogPriorObservations.
	// posteriorProb, in the original terminology.
	LogPosterior float64
}

// canonicalKey returns a string uniquely identifying the (sample, genotype)
// assignment vector of c, independent of Assignments' slice order. Combos
// with the same key are the same joint assignment and must be deduplicated
// by the search stage before scoring.
func (c *GenotypeCombo) canonicalKey() string {
	parts := make([]string, len(c.Assignments))
	for i, a := range c.Assignments {
		parts[i] = a.Sample.Name + "=" + a.Genotype.canonicalKey()
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// AlleleFrequencies returns the combo's implied allele-count map: for each
// distinct allele group key across all sample genotypes, the total number of
// chromosome copies carrying it.
func (c *GenotypeCombo) AlleleFrequencies() map[string]int {
	freq := map[string]int{}
	for _, a := range c.Assignments {
		for _, ac := range a.Genotype.Counts {
			freq[ac.Allele.groupKey()] += ac.Count
		}
	}
	return freq
}

// TotalPloidy returns the sum of ploidy across every sample assignment in c.
func (c *GenotypeCombo) TotalPloidy() int {
	n := 0
	for _, a := range c.Assignments {
		n += a.Genotype.Ploidy()
	}
	return n
}

// IsHomozygousReference reports whether every sample in the combo is
// homozygous for the reference allele group (ref's group).
func (c *GenotypeCombo) IsHomozygousReference(ref Allele) bool {
	refKey := ref.groupKey()
	for _, a := range c.Assignments {
		if !a.Genotype.Homozygous() {
			return false
		}
		if a.Genotype.Counts[0].Allele.groupKey() != refKey {
			return false
		}
	}
	return true
}

// sortCombos sorts combos by descending LogPosterior, breaking ties by
// canonical key for determinism.
func sortCombos(combos []*GenotypeCombo) {
	sort.SliceStable(combos, func(i, j int) bool {
		if combos[i].LogPosterior != combos[j].LogPosterior {
			return combos[i].LogPosterior > combos[j].LogPosterior
		}
		return combos[i].canonicalKey() < combos[j].canonicalKey()
	})
}

// dedupCombos removes combos sharing a canonical key, keeping the first
// occurrence. Input order is preserved for survivors.
func dedupCombos(combos []*GenotypeCombo) []*GenotypeCombo {
	seen := make(map[string]bool, len(combos))
	out := make([]*GenotypeCombo, 0, len(combos))
	for _, c := range combos {
		key := c.canonicalKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

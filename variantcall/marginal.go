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

import "math"

// marginalKey identifies a (sample, genotype) pair across the combo set.
func marginalKey(sampleName string, g Genotype) string {
	return sampleName + "\x00" + g.canonicalKey()
}

// computeMarginals derives, for every (sample, genotype) pair appearing
// anywhere in combos, its log marginal probability: logsumexp over every
// combo that assigns that pair, of that combo's LogPosterior, minus the
// overall log partition function Z (logsumexp of every combo's
// LogPosterior). It writes the result back into each Assignments[i].Marginal
// in place and returns logZ.
func computeMarginals(combos []*GenotypeCombo) float64 {
	if len(combos) == 0 {
		return negInf
	}
	posts := make([]float64, len(combos))
	for i, c := range combos {
		posts[i] = c.LogPosterior
	}
	logZ := logSumExp(posts)

	sums := map[string]float64{}
	for _, c := range combos {
		for _, a := range c.Assignments {
			key := marginalKey(a.Sample.Name, a.Genotype)
			sums[key] = logAdd(sums[key], c.LogPosterior)
		}
	}
	for _, c := range combos {
		for i, a := range c.Assignments {
			key := marginalKey(a.Sample.Name, a.Genotype)
			c.Assignments[i].Marginal = mustNotNaN(sums[key] - logZ)
		}
	}
	return logZ
}

// RefineMarginals runs the iterative marginal-refinement loop (C6): starting
// from an initial combo set, it repeatedly (a) computes marginals, (b)
// expands the combo set by substituting, for every sample, every genotype
// within that sample's top-opts.WB band, (c) deduplicates and re-sorts, and
// (d) stops once the combo set stops changing, the change in logZ between
// rounds falls below convergeDelta, or opts.GenotypingMaxIterations rounds
// have elapsed.
//
// Unlike BandedSearch's variance partition (C5 §4.5), this expansion is
// unbounded by IsVariantCandidate: every sample's band is substituted, not
// just variant-candidate samples', because a sample judged non-variant by
// the seed combo can still carry a competitive alternative genotype once
// marginals from the rest of the cohort are folded in (§4.6 step 1).
//
// The second and subsequent passes force opts.Pooled=true and
// opts.HWEPriors's HWE term to act as a uniform genotype|Af prior: once the
// combo set has been seeded by a first HWE-weighted pass, further sharpening
// it by the same HWE term would double-count the population-level evidence
// the first pass already folded in.
func RefineMarginals(psls []perSampleLikelihoods, combos []*GenotypeCombo, opts *Opts) ([]*GenotypeCombo, float64) {
	if len(combos) == 0 || !opts.CalculateMarginals {
		logZ := negInf
		if len(combos) > 0 {
			logZ = computeMarginals(combos)
		}
		return combos, logZ
	}

	const convergeDelta = 1e-6
	passOpts := *opts
	prevLogZ := math.Inf(-1)

	for iter := 0; iter < opts.GenotypingMaxIterations; iter++ {
		if iter == 1 {
			passOpts.Pooled = true
		}
		logZ := computeMarginals(combos)

		if iter > 0 && math.Abs(logZ-prevLogZ) < convergeDelta {
			return combos, logZ
		}
		prevLogZ = logZ

		bestMarginal := map[string]float64{}
		for _, c := range combos {
			for _, a := range c.Assignments {
				if m, ok := bestMarginal[a.Sample.Name]; !ok || a.Marginal > m {
					bestMarginal[a.Sample.Name] = a.Marginal
				}
			}
		}

		expanded := append([]*GenotypeCombo{}, combos...)
		for _, c := range combos {
			for i, p := range psls {
				band := p.scored
				if len(band) > opts.WB {
					band = band[:opts.WB]
				}
				for _, gl := range band {
					if gl.Genotype.canonicalKey() == c.Assignments[i].Genotype.canonicalKey() {
						continue
					}
					nc := cloneCombo(c)
					nc.Assignments[i] = SampleDataLikelihood{
						Sample:   p.sample,
						Genotype: gl.Genotype,
						LogProb:  gl.LogProb,
					}
					ScoreCombo(nc, &passOpts)
					expanded = append(expanded, nc)
				}
			}
		}

		deduped := dedupCombos(expanded)
		sortCombos(deduped)
		if len(deduped) > opts.GenotypeComboStepMax {
			deduped = deduped[:opts.GenotypeComboStepMax]
		}
		if sameComboSet(combos, deduped) {
			logZ = computeMarginals(deduped)
			return deduped, logZ
		}
		combos = deduped
	}
	return combos, computeMarginals(combos)
}

// sameComboSet reports whether a and b contain the same canonical keys,
// regardless of order; used to detect stability in RefineMarginals.
func sameComboSet(a, b []*GenotypeCombo) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]bool, len(a))
	for _, c := range a {
		keys[c.canonicalKey()] = true
	}
	for _, c := range b {
		if !keys[c.canonicalKey()] {
			return false
		}
	}
	return true
}

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

// perSampleLikelihoods bundles a sample with its sorted, opts-filtered
// genotype likelihoods, the unit the search operates over.
type perSampleLikelihoods struct {
	sample  *Sample
	scored  []GenotypeLikelihood
	variant bool
}

// seedCombo builds the maximum-likelihood combo: every sample assigned its
// top-scoring genotype.
func seedCombo(psls []perSampleLikelihoods) *GenotypeCombo {
	c := &GenotypeCombo{Assignments: make([]SampleDataLikelihood, len(psls))}
	for i, p := range psls {
		c.Assignments[i] = SampleDataLikelihood{
			Sample:   p.sample,
			Genotype: p.scored[0].Genotype,
			LogProb:  p.scored[0].LogProb,
		}
	}
	return c
}

// homozygousReferenceCombo builds the combo where every sample is assigned
// its genotype for the site's reference allele, scored against that
// sample's own likelihood table (falling back to its best-scoring genotype
// if the sample carries no homozygous-reference genotype at all, which can
// happen under PolicyExcludePartiallyObserved when the reference is
// entirely unobserved). This combo is unconditionally injected into the
// search so that pHom always has a well-defined baseline (C5). Only the
// all-reference combo is injected, not every all-homozygous combo over the
// current allele set; see DESIGN.md.
func homozygousReferenceCombo(psls []perSampleLikelihoods, ref Allele) *GenotypeCombo {
	c := &GenotypeCombo{Assignments: make([]SampleDataLikelihood, len(psls))}
	for i, p := range psls {
		chosen := p.scored[0]
		for _, gl := range p.scored {
			if gl.Genotype.Homozygous() && gl.Genotype.Counts[0].Allele.equivalent(ref) {
				chosen = gl
				break
			}
		}
		c.Assignments[i] = SampleDataLikelihood{
			Sample:   p.sample,
			Genotype: chosen.Genotype,
			LogProb:  chosen.LogProb,
		}
	}
	return c
}

// cloneCombo returns a shallow copy of c's assignment vector, suitable for
// mutating a single sample's slot without aliasing the original.
func cloneCombo(c *GenotypeCombo) *GenotypeCombo {
	a := make([]SampleDataLikelihood, len(c.Assignments))
	copy(a, c.Assignments)
	return &GenotypeCombo{Assignments: a}
}

// BandedSearch explores the joint genotype-assignment space by breadth-first
// neighbor expansion around the maximum-likelihood seed combo (C5):
//
//   - WB bounds how many of each variant-candidate sample's alternative
//     genotypes (by descending likelihood) are eligible substitutions.
//   - TB bounds the number of expansion rounds (a combo reachable only by a
//     longer chain of substitutions from the seed is never generated).
//   - GenotypeComboStepMax caps the total number of combos materialized,
//     regardless of how many rounds remain.
//   - TH prunes any combo whose LogPosterior falls more than TH log-units
//     below the best LogPosterior seen so far.
//
// Only samples flagged by IsVariantCandidate are perturbed; every other
// sample keeps its top genotype in every generated combo, since by
// definition its second-best genotype is not competitive enough to matter.
func BandedSearch(psls []perSampleLikelihoods, ref Allele, opts *Opts) []*GenotypeCombo {
	seed := seedCombo(psls)
	ScoreCombo(seed, opts)
	combos := []*GenotypeCombo{seed}

	refCombo := homozygousReferenceCombo(psls, ref)
	ScoreCombo(refCombo, opts)
	combos = append(combos, refCombo)

	best := seed.LogPosterior
	if refCombo.LogPosterior > best {
		best = refCombo.LogPosterior
	}

	frontier := []*GenotypeCombo{seed}
	budget := opts.GenotypeComboStepMax
	for round := 0; round < opts.TB && budget > 0; round++ {
		var next []*GenotypeCombo
		for _, c := range frontier {
			for i, p := range psls {
				if !p.variant {
					continue
				}
				band := p.scored
				if len(band) > opts.WB {
					band = band[:opts.WB]
				}
				for _, gl := range band {
					if gl.Genotype.canonicalKey() == c.Assignments[i].Genotype.canonicalKey() {
						continue
					}
					if budget <= 0 {
						break
					}
					nc := cloneCombo(c)
					nc.Assignments[i] = SampleDataLikelihood{
						Sample:   p.sample,
						Genotype: gl.Genotype,
						LogProb:  gl.LogProb,
					}
					ScoreCombo(nc, opts)
					budget--
					if nc.LogPosterior > best {
						best = nc.LogPosterior
					}
					next = append(next, nc)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		combos = append(combos, next...)
		frontier = next
	}

	combos = dedupCombos(combos)
	pruned := make([]*GenotypeCombo, 0, len(combos))
	for _, c := range combos {
		if best-c.LogPosterior <= opts.TH {
			pruned = append(pruned, c)
		}
	}
	sortCombos(pruned)
	return pruned
}

// buildPerSampleLikelihoods scores every sample's filtered genotype set and
// classifies it as a variant-candidate or not (C3's variance partitioning),
// the common prelude both BandedSearch and the EM path share.
func buildPerSampleLikelihoods(samples []*Sample, genotypesBySample map[*Sample][]Genotype, opts *Opts) []perSampleLikelihoods {
	out := make([]perSampleLikelihoods, 0, len(samples))
	for _, s := range samples {
		scored := ScoreGenotypes(s, genotypesBySample[s], opts)
		if len(scored) == 0 {
			continue
		}
		out = append(out, perSampleLikelihoods{
			sample:  s,
			scored:  scored,
			variant: IsVariantCandidate(scored, opts),
		})
	}
	return out
}

// EMSearch refines BandedSearch's candidate set by alternating, for up to
// opts.ExpectationMaximizationMaxIterations rounds, between (a) re-deriving
// each sample's preferred genotype from the current population allele
// frequencies (the "M-step": each genotype's log-likelihood plus its
// count·log(allele frequency) weight, computed inline) and (b)
// re-running BandedSearch around the updated seed. It converges early once
// the combo set's canonical keys stop changing between rounds (C5).
func EMSearch(psls []perSampleLikelihoods, ref Allele, opts *Opts) []*GenotypeCombo {
	if len(psls) == 0 {
		return nil
	}
	combos := BandedSearch(psls, ref, opts)
	if !opts.ExpectationMaximization || len(combos) == 0 {
		return combos
	}

	prevKey := combos[0].canonicalKey()
	for iter := 0; iter < opts.ExpectationMaximizationMaxIterations; iter++ {
		best := combos[0]
		freq := best.AlleleFrequencies()
		n := best.TotalPloidy()
		// Re-rank each sample's genotype table by combining its data
		// likelihood with the current population frequency estimate, then
		// reorder psls' bands accordingly before the next search round.
		for i := range psls {
			reweighted := make([]GenotypeLikelihood, len(psls[i].scored))
			for j, gl := range psls[i].scored {
				w := 0.0
				for _, ac := range gl.Genotype.Counts {
					p := float64(freq[ac.Allele.groupKey()]) / float64(maxInt(n, 1))
					if p > 0 {
						w += float64(ac.Count) * mustNotNaN(math.Log(p))
					}
				}
				reweighted[j] = GenotypeLikelihood{Genotype: gl.Genotype, LogProb: gl.LogProb + w}
			}
			sortLikelihoods(reweighted)
			psls[i].scored = reweighted
		}
		combos = BandedSearch(psls, ref, opts)
		if len(combos) == 0 {
			break
		}
		key := combos[0].canonicalKey()
		if key == prevKey {
			break
		}
		prevKey = key
	}
	return combos
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

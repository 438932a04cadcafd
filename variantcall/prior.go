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

// logFactorial and logChoose are small helpers built on math.Lgamma, used
// throughout the prior terms below.
func logFactorial(n int) float64 {
	if n < 0 {
		return negInf
	}
	g, _ := math.Lgamma(float64(n) + 1)
	return g
}

func logMultinomialCoeff(n int, parts []int) float64 {
	logC := logFactorial(n)
	for _, p := range parts {
		logC -= logFactorial(p)
	}
	return logC
}

// logPriorAf computes the Ewens/Watterson allele-frequency prior (C4) for
// the allele configuration implied by a combo: freq maps a distinct allele's
// group key to its total copy count across all samples, and n is the total
// ploidy (sum of freq). Uses the Ewens sampling formula in log space:
//
//	log P = log(n!) - sum_{i=0}^{n-1} log(theta+i) + k*log(theta) - sum_j log(n_j)
//
// where k is the number of distinct alleles and n_j ranges over their
// counts.
func logPriorAf(freq map[string]int, n int, theta float64) float64 {
	if n == 0 {
		return 0
	}
	logP := logFactorial(n)
	for i := 0; i < n; i++ {
		logP -= math.Log(theta + float64(i))
	}
	logP += float64(len(freq)) * math.Log(theta)
	for _, count := range freq {
		logP -= math.Log(float64(count))
	}
	return mustNotNaN(logP)
}

// logPriorGivenAf computes log p(this combo's genotype assignment | allele
// frequencies) (C4). Under HWE, each sample's genotype probability is the
// multinomial draw of its alleles from the population frequencies implied by
// freq/n; when opts.Pooled is set or opts.HWEPriors is off, genotypes are instead treated as drawn
// uniformly (the term is a per-sample constant and cancels across combos
// sharing the same genotype support, so it is reported as 0). When
// opts.Permute is true, the per-genotype multinomial coefficient
// (accounting for the orderings consistent with an unordered allele
// multiset) is included; when false, each genotype contributes coefficient 1.
func logPriorGivenAf(c *GenotypeCombo, n int, freq map[string]int, opts *Opts) float64 {
	if opts.Pooled || !opts.HWEPriors {
		return 0
	}
	logP := 0.0
	for _, a := range c.Assignments {
		ploidy := a.Genotype.Ploidy()
		parts := make([]int, len(a.Genotype.Counts))
		term := 0.0
		for i, ac := range a.Genotype.Counts {
			parts[i] = ac.Count
			p := float64(freq[ac.Allele.groupKey()]) / float64(n)
			if p <= 0 {
				term = negInf
				break
			}
			term += float64(ac.Count) * math.Log(p)
		}
		if term != negInf && opts.Permute {
			term += logMultinomialCoeff(ploidy, parts)
		}
		logP += term
	}
	return mustNotNaN(logP)
}

// alleleBalanceLogProb scores how closely a heterozygous genotype's expected
// 1/ploidy-per-copy mixture matches the sample's observed split across its
// alleles, as a multinomial probability in log space. Homozygous genotypes
// contribute 0 (there is nothing to balance).
func alleleBalanceLogProb(s *Sample, g Genotype) float64 {
	if g.Homozygous() {
		return 0
	}
	ploidy := g.Ploidy()
	total := 0
	counts := make([]int, len(g.Counts))
	for i, ac := range g.Counts {
		counts[i] = s.ObservationCount(ac.Allele)
		total += counts[i]
	}
	if total == 0 {
		return 0
	}
	logP := logFactorial(total)
	for i, ac := range g.Counts {
		logP -= logFactorial(counts[i])
		p := float64(ac.Count) / float64(ploidy)
		if p <= 0 {
			continue
		}
		logP += float64(counts[i]) * math.Log(p)
	}
	return mustNotNaN(logP)
}

// obsBinomialLogProb scores the probability that a sample's total observation
// count, split between its genotype's allele groups, is consistent with a
// uniform per-read sampling model: a binomial draw of "which copy did this
// read come from" repeated Total() times. This is a coarser sibling of
// alleleBalanceLogProb; together opts.ObsBinomialPriors and
// opts.AlleleBalancePriors let a caller enable either or both independently.
func obsBinomialLogProb(s *Sample, g Genotype) float64 {
	total := s.Total()
	if total == 0 || g.Homozygous() {
		return 0
	}
	ploidy := g.Ploidy()
	logP := 0.0
	for _, ac := range g.Counts {
		observed := s.ObservationCount(ac.Allele)
		p := float64(ac.Count) / float64(ploidy)
		if observed == 0 || p <= 0 {
			continue
		}
		logP += float64(observed) * math.Log(p)
	}
	return mustNotNaN(logP)
}

// logPriorObservations computes the combined observation-count and
// allele-balance prior across every sample assignment in c (C4), scaled by
// opts.DiffusionPriorScalar. The diffusion scalar applies uniformly to the
// summed prior mass rather than per-term, matching how a single
// temperature-like knob would be wired into a log-linear prior model.
func logPriorObservations(c *GenotypeCombo, opts *Opts) float64 {
	logP := 0.0
	for _, a := range c.Assignments {
		if opts.ObsBinomialPriors {
			logP += obsBinomialLogProb(a.Sample, a.Genotype)
		}
		if opts.AlleleBalancePriors {
			logP += alleleBalanceLogProb(a.Sample, a.Genotype)
		}
	}
	return mustNotNaN(logP * opts.DiffusionPriorScalar)
}

// ScoreCombo fills in every probability term of c (C4) given opts, then sets
// LogPosterior to their sum.
func ScoreCombo(c *GenotypeCombo, opts *Opts) {
	c.LogLikelihood = 0
	for _, a := range c.Assignments {
		c.LogLikelihood += a.LogProb
	}

	freq := c.AlleleFrequencies()
	n := c.TotalPloidy()
	c.LogPriorAf = logPriorAf(freq, n, opts.Theta)
	c.LogPriorGivenAf = logPriorGivenAf(c, n, freq, opts)
	c.LogPriorObservations = logPriorObservations(c, opts)

	c.LogPosterior = mustNotNaN(c.LogLikelihood + c.LogPriorAf + c.LogPriorGivenAf + c.LogPriorObservations)
}

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
	"math"
	"sort"
)

// Decision is the outcome of scoring one site's combo set (C7).
type Decision struct {
	// LogZ is the log partition function over the scored combo set.
	LogZ float64
	// PHom is the posterior probability mass assigned to combos that are
	// homozygous-reference in every sample.
	PHom float64
	// PVar is 1 - PHom.
	PVar float64
	// Qual is the Phred-scaled quality of the call: probToPhred(PHom), i.e.
	// -10*log10(P(not variant)). A confident variant call (PHom near 0) gets
	// a high QUAL; a confident non-call (PHom near 1) gets a QUAL near 0.
	Qual float64
	// Best is the combo the site's ALT and per-sample genotypes are drawn
	// from: the first heterozygous combo in sorted (descending LogPosterior)
	// order, or the top combo if none of the scored combos is heterozygous
	// (freebayes.cpp's bestCombo selection).
	Best *GenotypeCombo
	// AlternateAlleles lists Best's non-reference allele groups, ranked by
	// descending allele count (ties broken by allele length, then base
	// string) — the order format.Writer emits them in.
	AlternateAlleles []Allele
	// BestIsHet reports whether the overall top-ranked combo (combos[0], not
	// necessarily Best) assigns at least one sample a heterozygous genotype.
	BestIsHet bool
	// Called reports whether PVar meets or exceeds opts.PVL.
	Called bool
	// Alternates holds, when opts.CloseCallMargin applies, the runner-up
	// combos worth reporting alongside Best.
	Alternates []*GenotypeCombo
}

// Decide computes the site-level call decision from a scored, deduplicated
// combo set (C7). ref identifies the reference allele group, used to
// classify combos as homozygous-reference for the pHom computation.
func Decide(combos []*GenotypeCombo, ref Allele, opts *Opts) *Decision {
	if len(combos) == 0 {
		return &Decision{LogZ: negInf, PHom: 1, PVar: 0, Qual: 0}
	}
	sortCombos(combos)

	posts := make([]float64, len(combos))
	for i, c := range combos {
		posts[i] = c.LogPosterior
	}
	logZ := logSumExp(posts)

	var homTerms []float64
	for _, c := range combos {
		if c.IsHomozygousReference(ref) {
			homTerms = append(homTerms, c.LogPosterior-logZ)
		}
	}
	logPHom := negInf
	if len(homTerms) > 0 {
		logPHom = logSumExp(homTerms)
	}
	pHom := math.Exp(logPHom)
	if pHom > 1 {
		pHom = 1
	}
	pVar := 1 - pHom

	qual := probToPhred(pHom)

	overallBest := combos[0]
	bestIsHet := comboIsHet(overallBest)

	best := overallBest
	for _, c := range combos {
		if comboIsHet(c) {
			best = c
			break
		}
	}

	d := &Decision{
		LogZ:             logZ,
		PHom:             pHom,
		PVar:             pVar,
		Qual:             qual,
		Best:             best,
		AlternateAlleles: rankedAlternateAlleles(best, ref),
		BestIsHet:        bestIsHet,
		Called:           pVar >= opts.PVL,
	}
	d.Alternates = selectAlternates(combos, opts)
	return d
}

// comboIsHet reports whether c assigns at least one sample a heterozygous
// genotype.
func comboIsHet(c *GenotypeCombo) bool {
	for _, a := range c.Assignments {
		if !a.Genotype.Homozygous() {
			return true
		}
	}
	return false
}

// rankedAlternateAlleles returns combo's non-reference allele groups, sorted
// by descending allele count and tie-broken by allele length then base
// string (§4.7's alternate-ranking rule).
func rankedAlternateAlleles(combo *GenotypeCombo, ref Allele) []Allele {
	refKey := ref.groupKey()
	freq := combo.AlleleFrequencies()
	reps := map[string]Allele{}
	for _, a := range combo.Assignments {
		for _, ac := range a.Genotype.Counts {
			if ac.Allele.Kind == AlleleRef || ac.Allele.groupKey() == refKey {
				continue
			}
			reps[ac.Allele.groupKey()] = ac.Allele
		}
	}
	out := make([]Allele, 0, len(reps))
	for _, a := range reps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := freq[out[i].groupKey()], freq[out[j].groupKey()]
		if ci != cj {
			return ci > cj
		}
		if len(out[i].Bases) != len(out[j].Bases) {
			return len(out[i].Bases) < len(out[j].Bases)
		}
		return out[i].Bases < out[j].Bases
	})
	return out
}

// selectAlternates implements the close-call policy (C7, supplemented): when
// opts.CloseCallMargin is positive, the runner-up combos within
// opts.CloseCallMargin positions of the best in the sorted combo set are
// returned alongside it (a proxy, in the absence of a repeat-count model,
// for "a near-tie worth surfacing"). opts.ReportAllAlternates instead
// governs how many of Best's own alternate alleles format.Writer emits as
// separate records; it does not affect this runner-up-combo selection.
func selectAlternates(combos []*GenotypeCombo, opts *Opts) []*GenotypeCombo {
	if len(combos) < 2 || opts.CloseCallMargin <= 0 {
		return nil
	}
	limit := 1 + opts.CloseCallMargin
	if limit > len(combos) {
		limit = len(combos)
	}
	return combos[1:limit]
}

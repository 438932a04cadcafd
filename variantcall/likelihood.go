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

// GenotypeLikelihood pairs a genotype with its data log-likelihood,
// p(observations | genotype), for one sample.
type GenotypeLikelihood struct {
	Genotype Genotype
	LogProb  float64
}

// errFloorScalarFor returns the error-floor scalar to use for s: its
// technology-specific override from opts.ErrFloorScalarByTechnology if one
// is configured for s.Technology, otherwise opts.ErrFloorScalar (C3,
// SPEC_FULL.md's per-technology error-floor widening).
func errFloorScalarFor(s *Sample, opts *Opts) float64 {
	if s.Technology != "" {
		if scalar, ok := opts.ErrFloorScalarByTechnology[s.Technology]; ok {
			return scalar
		}
	}
	return opts.ErrFloorScalar
}

// errorProb returns the per-observation error probability implied by an
// Allele's base quality and, when useMapQ is set, its mapping quality,
// combined via combineErrorProbs. errFloorScalar multiplicatively widens the
// result, per Opts.ErrFloorScalar.
func errorProb(a Allele, useMapQ bool, errFloorScalar float64) float64 {
	e := phredToProb(float64(a.BaseQual))
	if useMapQ {
		e = combineErrorProbs(e, phredToProb(float64(a.MapQual)))
	}
	e *= errFloorScalar
	if e > 1 {
		e = 1
	}
	if e <= 0 {
		// Guard against log(0) for a perfect-quality base; treat as an
		// effectively negligible but nonzero error rate.
		e = 1e-12
	}
	return e
}

// observationLogProb returns log p(obs | allele a is the true base), under
// a model where a mismatch spreads its error probability evenly across the
// three alternative bases (the usual samtools/GATK-style genotype
// likelihood convention). Non-SNP alleles (indels/MNPs) are treated as
// exact matches with no error spreading target count beyond 1, since there
// is no fixed alphabet of alternatives to spread error mass across.
func observationLogProb(obs, allele Allele, useMapQ bool, errFloorScalar float64) float64 {
	e := errorProb(obs, useMapQ, errFloorScalar)
	if obs.equivalent(allele) {
		return math.Log(1 - e)
	}
	spread := 3.0
	if obs.Kind != AlleleSNP || allele.Kind != AlleleSNP {
		spread = 1.0
	}
	return math.Log(e / spread)
}

// LogLikelihood computes log p(sample's observations | genotype) (C3),
// treating each observation as an independent draw from the genotype's
// allele mixture. Observations from the same originating read have their
// log-contribution attenuated by opts.RDF raised to the power of their
// occurrence index within that read, so that a duplicated observation of
// the same underlying read does not inflate the likelihood as if it were
// independent evidence.
func LogLikelihood(s *Sample, g Genotype, opts *Opts) float64 {
	ploidy := g.Ploidy()
	if ploidy == 0 {
		return negInf
	}
	logLik := 0.0
	readOccurrence := map[string]int{}
	terms := make([]float64, len(g.Counts))
	errFloorScalar := errFloorScalarFor(s, opts)
	for _, key := range s.order {
		for _, obs := range s.groups[key] {
			for i, ac := range g.Counts {
				weight := float64(ac.Count) / float64(ploidy)
				terms[i] = math.Log(weight) + observationLogProb(obs, ac.Allele, opts.UseMappingQuality, errFloorScalar)
			}
			obsLogP := logSumExp(terms)

			occ := readOccurrence[obs.ReadID]
			readOccurrence[obs.ReadID] = occ + 1
			if occ > 0 && opts.RDF < 1 {
				obsLogP *= math.Pow(opts.RDF, float64(occ))
			}
			logLik += obsLogP
		}
	}
	return mustNotNaN(logLik)
}

// ScoreGenotypes computes LogLikelihood for every genotype in genotypes and
// returns them sorted by descending LogProb, ties broken by canonical
// genotype key (C3).
func ScoreGenotypes(s *Sample, genotypes []Genotype, opts *Opts) []GenotypeLikelihood {
	out := make([]GenotypeLikelihood, len(genotypes))
	for i, g := range genotypes {
		out[i] = GenotypeLikelihood{Genotype: g, LogProb: LogLikelihood(s, g, opts)}
	}
	sortLikelihoods(out)
	return out
}

func sortLikelihoods(ls []GenotypeLikelihood) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].LogProb != ls[j].LogProb {
			return ls[i].LogProb > ls[j].LogProb
		}
		return ls[i].Genotype.canonicalKey() < ls[j].Genotype.canonicalKey()
	})
}

// IsVariantCandidate implements C3's variance partitioning: a sample is a
// variant-candidate when the Phred-scale gap between its top two genotype
// log-likelihoods is smaller than opts.GenotypeVariantThreshold. Samples
// with fewer than two genotypes are always invariant (there's nothing to
// search over).
func IsVariantCandidate(sorted []GenotypeLikelihood, opts *Opts) bool {
	if len(sorted) < 2 {
		return false
	}
	// Both log-probs are natural-log data log-likelihoods; convert their
	// difference to Phred units directly: Phred gap = (log0-log1)*10/ln(10).
	gap := (sorted[0].LogProb - sorted[1].LogProb) * 10 / math.Ln10
	return gap < opts.GenotypeVariantThreshold
}

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
	"testing"
)

func testOpts() *Opts {
	o := DefaultOpts
	return &o
}

func TestErrorProbFloorsAndCeils(t *testing.T) {
	a := Allele{BaseQual: 60}
	if got := errorProb(a, false, 1.0); got <= 0 {
		t.Fatalf("errorProb with very high quality = %v, want > 0", got)
	}
	a2 := Allele{BaseQual: 0}
	if got := errorProb(a2, false, 1e6); got != 1 {
		t.Fatalf("errorProb with huge errFloorScalar = %v, want clamped to 1", got)
	}
}

func TestErrFloorScalarForUsesTechnologyOverride(t *testing.T) {
	opts := testOpts()
	opts.ErrFloorScalar = 1.0
	opts.ErrFloorScalarByTechnology = map[string]float64{"pacbio": 5.0}

	s := &Sample{Name: "s1", Technology: "pacbio"}
	if got := errFloorScalarFor(s, opts); got != 5.0 {
		t.Fatalf("errFloorScalarFor with technology=pacbio = %v, want 5.0", got)
	}
}

func TestErrFloorScalarForFallsBackToGlobalDefault(t *testing.T) {
	opts := testOpts()
	opts.ErrFloorScalar = 2.0
	opts.ErrFloorScalarByTechnology = map[string]float64{"pacbio": 5.0}

	noTech := &Sample{Name: "s1"}
	if got := errFloorScalarFor(noTech, opts); got != 2.0 {
		t.Fatalf("errFloorScalarFor with no Technology = %v, want 2.0 (global default)", got)
	}

	unrecognized := &Sample{Name: "s2", Technology: "ont"}
	if got := errFloorScalarFor(unrecognized, opts); got != 2.0 {
		t.Fatalf("errFloorScalarFor with unconfigured technology = %v, want 2.0 (global default)", got)
	}
}

func TestObservationLogProbExactMatchHigherThanMismatch(t *testing.T) {
	ref := Allele{Kind: AlleleSNP, Bases: "A", BaseQual: 30}
	match := Allele{Kind: AlleleSNP, Bases: "A", BaseQual: 30}
	mismatch := Allele{Kind: AlleleSNP, Bases: "G", BaseQual: 30}
	pMatch := observationLogProb(match, ref, false, 1.0)
	pMismatch := observationLogProb(mismatch, ref, false, 1.0)
	if pMatch <= pMismatch {
		t.Fatalf("log p(match)=%v should exceed log p(mismatch)=%v", pMatch, pMismatch)
	}
}

func TestLogLikelihoodHomozygousFavorsMatchingGenotype(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	obs := make([]Allele, 0, 10)
	for i := 0; i < 10; i++ {
		obs = append(obs, Allele{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r" + string(rune('a'+i))})
	}
	s := NewSample("s1", 2, obs)
	opts := testOpts()

	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	homAlt := Genotype{Counts: []AlleleCount{{Allele: alt, Count: 2}}}

	llRef := LogLikelihood(s, homRef, opts)
	llAlt := LogLikelihood(s, homAlt, opts)
	if llRef <= llAlt {
		t.Fatalf("homozygous-ref likelihood %v should exceed homozygous-alt likelihood %v given all-ref observations", llRef, llAlt)
	}
}

func TestLogLikelihoodZeroPloidyIsNegInf(t *testing.T) {
	s := NewSample("s1", 0, nil)
	g := Genotype{}
	if got := LogLikelihood(s, g, testOpts()); got != negInf {
		t.Fatalf("LogLikelihood with zero ploidy = %v, want -Inf", got)
	}
}

func TestLogLikelihoodRDFAttenuatesRepeatedReadObservations(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}

	obsSameRead := []Allele{
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r1"},
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r1"},
	}
	obsDistinctReads := []Allele{
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r1"},
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r2"},
	}

	opts := testOpts()
	opts.RDF = 0.5

	sSame := NewSample("s1", 2, obsSameRead)
	sDistinct := NewSample("s1", 2, obsDistinctReads)

	llSame := LogLikelihood(sSame, homRef, opts)
	llDistinct := LogLikelihood(sDistinct, homRef, opts)
	if llSame >= llDistinct {
		t.Fatalf("RDF<1 should attenuate repeated-read contribution: same-read ll=%v, distinct-read ll=%v", llSame, llDistinct)
	}
}

func TestScoreGenotypesSortedDescending(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	obs := []Allele{
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r1"},
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r2"},
		{Kind: AlleleRef, Bases: "A", BaseQual: 30, ReadID: "r3"},
	}
	s := NewSample("s1", 2, obs)
	genotypes := AllPossibleGenotypes(2, []Allele{ref, alt})
	scored := ScoreGenotypes(s, genotypes, testOpts())
	for i := 1; i < len(scored); i++ {
		if scored[i-1].LogProb < scored[i].LogProb {
			t.Fatalf("ScoreGenotypes not sorted descending at index %d: %v < %v", i, scored[i-1].LogProb, scored[i].LogProb)
		}
	}
}

func TestIsVariantCandidateFewerThanTwoGenotypes(t *testing.T) {
	if IsVariantCandidate(nil, testOpts()) {
		t.Fatalf("IsVariantCandidate(nil) = true, want false")
	}
	one := []GenotypeLikelihood{{LogProb: -1}}
	if IsVariantCandidate(one, testOpts()) {
		t.Fatalf("IsVariantCandidate(single genotype) = true, want false")
	}
}

func TestIsVariantCandidateThreshold(t *testing.T) {
	opts := testOpts()
	opts.GenotypeVariantThreshold = 3.0
	close := []GenotypeLikelihood{{LogProb: -1.0}, {LogProb: -1.05}}
	if !IsVariantCandidate(close, opts) {
		t.Fatalf("closely-tied genotypes should be a variant candidate")
	}
	far := []GenotypeLikelihood{{LogProb: -1.0}, {LogProb: -100.0}}
	if IsVariantCandidate(far, opts) {
		t.Fatalf("far-apart genotypes should not be a variant candidate")
	}
}

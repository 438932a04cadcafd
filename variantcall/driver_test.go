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

import "testing"

func hetSample(name string) *Sample {
	obs := append(repeat(Allele{Kind: AlleleRef, Bases: "A", BaseQual: 30}, 5),
		repeat(Allele{Kind: AlleleSNP, Bases: "G", BaseQual: 30}, 5)...)
	for i := range obs {
		obs[i].ReadID = name + string(rune('a'+i))
	}
	return NewSample(name, 2, obs)
}

func homRefSample(name string) *Sample {
	obs := repeat(Allele{Kind: AlleleRef, Bases: "A", BaseQual: 30}, 10)
	for i := range obs {
		obs[i].ReadID = name + string(rune('a'+i))
	}
	return NewSample(name, 2, obs)
}

func TestCallSkipsNonCanonicalRef(t *testing.T) {
	input := SiteInput{RefBase: 'N', OnTarget: true, Samples: []*Sample{homRefSample("s1")}}
	result := Call(input, testOpts())
	if result.Skip != SkipNonCanonicalRef {
		t.Fatalf("Call with RefBase='N' Skip = %v, want SkipNonCanonicalRef", result.Skip)
	}
}

func TestCallSkipsOffTarget(t *testing.T) {
	input := SiteInput{RefBase: 'A', OnTarget: false, Samples: []*Sample{homRefSample("s1")}}
	result := Call(input, testOpts())
	if result.Skip != SkipOffTarget {
		t.Fatalf("Call with OnTarget=false Skip = %v, want SkipOffTarget", result.Skip)
	}
}

func TestCallSkipsLowCoverage(t *testing.T) {
	opts := testOpts()
	opts.MinCoverage = 100
	input := SiteInput{RefBase: 'A', OnTarget: true, Samples: []*Sample{homRefSample("s1")}}
	result := Call(input, opts)
	if result.Skip != SkipLowCoverage {
		t.Fatalf("Call with MinCoverage=100 and 10 observations: Skip = %v, want SkipLowCoverage", result.Skip)
	}
}

func TestCallSkipsInsufficientAlternates(t *testing.T) {
	input := SiteInput{RefBase: 'A', OnTarget: true, Samples: []*Sample{homRefSample("s1")}}
	result := Call(input, testOpts())
	if result.Skip != SkipInsufficientAlternates {
		t.Fatalf("Call with all-ref observations: Skip = %v, want SkipInsufficientAlternates", result.Skip)
	}
}

func TestCallSkipsTooFewAllelesWhenRefAlleleDisabled(t *testing.T) {
	opts := testOpts()
	opts.UseRefAllele = false
	// A single sample entirely homozygous for one allele never admits a
	// second distinct allele once the synthetic reference is turned off.
	input := SiteInput{RefBase: 'A', OnTarget: true, Samples: []*Sample{homRefSample("s1")}}
	result := Call(input, opts)
	if result.Skip != SkipInsufficientAlternates && result.Skip != SkipTooFewAlleles {
		t.Fatalf("Call on a monomorphic site with UseRefAllele=false: Skip = %v, want SkipInsufficientAlternates or SkipTooFewAlleles", result.Skip)
	}
}

func TestCallProducesDecisionOnHeterozygousSite(t *testing.T) {
	input := SiteInput{RefBase: 'A', OnTarget: true, Samples: []*Sample{hetSample("s1")}}
	result := Call(input, testOpts())
	if result.Skip != SkipNone {
		t.Fatalf("Call on a heterozygous site: Skip = %v, want SkipNone", result.Skip)
	}
	if result.Decision == nil {
		t.Fatalf("Call on a heterozygous site returned a nil Decision")
	}
	if len(result.Combos) == 0 {
		t.Fatalf("Call on a heterozygous site returned no combos")
	}
	if result.Decision.PVar <= 0 {
		t.Fatalf("Call on a heterozygous site: PVar = %v, want > 0", result.Decision.PVar)
	}
}

func TestCallMultiSampleJointCall(t *testing.T) {
	input := SiteInput{
		RefBase:  'A',
		OnTarget: true,
		Samples:  []*Sample{homRefSample("s1"), hetSample("s2")},
	}
	result := Call(input, testOpts())
	if result.Skip != SkipNone {
		t.Fatalf("Call on a multi-sample site: Skip = %v, want SkipNone", result.Skip)
	}
	if result.Decision.Best == nil {
		t.Fatalf("Call on a multi-sample site returned a nil Best combo")
	}
	if len(result.Decision.Best.Assignments) != 2 {
		t.Fatalf("Best combo has %d assignments, want 2", len(result.Decision.Best.Assignments))
	}
}

func TestSkipReasonStringCoversEveryValue(t *testing.T) {
	reasons := []SkipReason{
		SkipNone, SkipNonCanonicalRef, SkipOffTarget, SkipLowCoverage,
		SkipInsufficientAlternates, SkipTooFewAlleles, SkipReason(99),
	}
	for _, r := range reasons {
		if r.String() == "" {
			t.Fatalf("SkipReason(%d).String() returned empty string", r)
		}
	}
	if SkipReason(99).String() != "unknown" {
		t.Fatalf("SkipReason(99).String() = %q, want %q", SkipReason(99).String(), "unknown")
	}
}

func TestCollectAllelesInjectsReferenceWhenEnabled(t *testing.T) {
	opts := testOpts()
	opts.UseRefAllele = true
	ref := refAllele('A')
	s := hetSample("s1")
	alleles := collectAlleles([]*Sample{s}, ref, opts)
	if len(alleles) == 0 || alleles[0].groupKey() != ref.groupKey() {
		t.Fatalf("collectAlleles with UseRefAllele=true did not list ref first: %+v", alleles)
	}
}

func TestAdmitAlleleRespectsKindToggles(t *testing.T) {
	opts := testOpts()
	opts.AllowSNPs = false
	opts.AllowIndels = false
	opts.AllowMNPs = false
	if admitAllele(Allele{Kind: AlleleSNP}, opts) {
		t.Fatalf("admitAllele(SNP) should be false when AllowSNPs=false")
	}
	if admitAllele(Allele{Kind: AlleleInsertion}, opts) {
		t.Fatalf("admitAllele(Insertion) should be false when AllowIndels=false")
	}
	if admitAllele(Allele{Kind: AlleleMNP}, opts) {
		t.Fatalf("admitAllele(MNP) should be false when AllowMNPs=false")
	}
	if !admitAllele(Allele{Kind: AlleleRef}, opts) {
		t.Fatalf("admitAllele(Ref) should always be true")
	}
}

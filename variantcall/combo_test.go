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

func twoSampleCombo(g1, g2 Genotype, logPosterior float64) *GenotypeCombo {
	s1 := &Sample{Name: "s1", Ploidy: 2}
	s2 := &Sample{Name: "s2", Ploidy: 2}
	return &GenotypeCombo{
		Assignments: []SampleDataLikelihood{
			{Sample: s1, Genotype: g1},
			{Sample: s2, Genotype: g2},
		},
		LogPosterior: logPosterior,
	}
}

func TestGenotypeComboCanonicalKeyOrderIndependent(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: alt, Count: 1}}}

	c1 := twoSampleCombo(homRef, het, 0)
	c2 := &GenotypeCombo{Assignments: []SampleDataLikelihood{
		c1.Assignments[1],
		c1.Assignments[0],
	}}
	if c1.canonicalKey() != c2.canonicalKey() {
		t.Fatalf("canonicalKey depends on Assignments order: %q vs %q", c1.canonicalKey(), c2.canonicalKey())
	}
}

func TestAlleleFrequenciesSumsAcrossSamples(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: alt, Count: 1}}}

	c := twoSampleCombo(homRef, het, 0)
	freq := c.AlleleFrequencies()
	if freq[ref.groupKey()] != 3 {
		t.Fatalf("ref frequency = %d, want 3", freq[ref.groupKey()])
	}
	if freq[alt.groupKey()] != 1 {
		t.Fatalf("alt frequency = %d, want 1", freq[alt.groupKey()])
	}
}

func TestTotalPloidySumsAssignments(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	c := twoSampleCombo(homRef, homRef, 0)
	if got := c.TotalPloidy(); got != 4 {
		t.Fatalf("TotalPloidy() = %d, want 4", got)
	}
}

func TestIsHomozygousReference(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: alt, Count: 1}}}

	allHomRef := twoSampleCombo(homRef, homRef, 0)
	if !allHomRef.IsHomozygousReference(ref) {
		t.Fatalf("all-hom-ref combo should report IsHomozygousReference=true")
	}

	mixed := twoSampleCombo(homRef, het, 0)
	if mixed.IsHomozygousReference(ref) {
		t.Fatalf("combo with a het sample should report IsHomozygousReference=false")
	}
}

func TestSortCombosDescendingWithTiebreak(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	c1 := twoSampleCombo(homRef, homRef, -5.0)
	c2 := twoSampleCombo(homRef, homRef, -1.0)
	c3 := twoSampleCombo(homRef, homRef, -1.0)

	combos := []*GenotypeCombo{c1, c2, c3}
	sortCombos(combos)
	if combos[0].LogPosterior != -1.0 {
		t.Fatalf("sortCombos did not put highest LogPosterior first: %v", combos[0].LogPosterior)
	}
	if combos[len(combos)-1].LogPosterior != -5.0 {
		t.Fatalf("sortCombos did not put lowest LogPosterior last: %v", combos[len(combos)-1].LogPosterior)
	}
}

func TestDedupCombosKeepsFirstOccurrence(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: alt, Count: 1}}}

	c1 := twoSampleCombo(homRef, het, -1.0)
	c2 := twoSampleCombo(homRef, het, -9.0)
	c3 := twoSampleCombo(het, homRef, -2.0)

	out := dedupCombos([]*GenotypeCombo{c1, c2, c3})
	if len(out) != 2 {
		t.Fatalf("len(dedupCombos) = %d, want 2", len(out))
	}
	if out[0] != c1 {
		t.Fatalf("dedupCombos did not keep the first occurrence for a duplicate key")
	}
}

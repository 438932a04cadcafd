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

func TestAllPossibleGenotypesCount(t *testing.T) {
	alleles := []Allele{
		{Kind: AlleleRef, Bases: "A"},
		{Kind: AlleleSNP, Bases: "G"},
		{Kind: AlleleSNP, Bases: "C"},
	}
	// Multisets of size 2 drawn from 3 types: C(3+2-1, 2) = 6.
	got := AllPossibleGenotypes(2, alleles)
	if len(got) != 6 {
		t.Fatalf("len(AllPossibleGenotypes(2, 3 alleles)) = %d, want 6", len(got))
	}
	for _, g := range got {
		if g.Ploidy() != 2 {
			t.Fatalf("genotype %v has ploidy %d, want 2", g, g.Ploidy())
		}
	}
}

func TestAllPossibleGenotypesDeterministicOrder(t *testing.T) {
	a1 := []Allele{{Kind: AlleleSNP, Bases: "G"}, {Kind: AlleleRef, Bases: "A"}}
	a2 := []Allele{{Kind: AlleleRef, Bases: "A"}, {Kind: AlleleSNP, Bases: "G"}}
	g1 := AllPossibleGenotypes(2, a1)
	g2 := AllPossibleGenotypes(2, a2)
	if len(g1) != len(g2) {
		t.Fatalf("enumeration length differs by input order: %d vs %d", len(g1), len(g2))
	}
	for i := range g1 {
		if g1[i].canonicalKey() != g2[i].canonicalKey() {
			t.Fatalf("enumeration order depends on input order at index %d: %q vs %q", i, g1[i].canonicalKey(), g2[i].canonicalKey())
		}
	}
}

func TestGenotypeHomozygous(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	hom := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	if !hom.Homozygous() {
		t.Fatalf("Homozygous() = false, want true for %v", hom)
	}
	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: Allele{Kind: AlleleSNP, Bases: "G"}, Count: 1}}}
	if het.Homozygous() {
		t.Fatalf("Homozygous() = true, want false for %v", het)
	}
}

func TestSupportsObservations(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	s := NewSample("s1", 2, []Allele{ref, ref, ref})

	het := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 1}, {Allele: alt, Count: 1}}}
	if het.SupportsObservations(s) {
		t.Fatalf("strong SupportsObservations should fail when alt has zero support")
	}
	if !het.SupportsObservationsWeak(s) {
		t.Fatalf("weak SupportsObservationsWeak should succeed when ref has support")
	}

	homRef := Genotype{Counts: []AlleleCount{{Allele: ref, Count: 2}}}
	if !homRef.SupportsObservations(s) {
		t.Fatalf("strong SupportsObservations should succeed when every allele has support")
	}
}

func TestFilterGenotypesPolicies(t *testing.T) {
	ref := Allele{Kind: AlleleRef, Bases: "A"}
	alt := Allele{Kind: AlleleSNP, Bases: "G"}
	s := NewSample("s1", 2, []Allele{ref, ref, ref})
	genotypes := AllPossibleGenotypes(2, []Allele{ref, alt})

	all := FilterGenotypes(genotypes, s, PolicyAll)
	if len(all) != len(genotypes) {
		t.Fatalf("PolicyAll dropped genotypes: %d vs %d", len(all), len(genotypes))
	}

	weak := FilterGenotypes(genotypes, s, PolicyExcludeUnobserved)
	for _, g := range weak {
		if !g.SupportsObservationsWeak(s) {
			t.Fatalf("PolicyExcludeUnobserved kept unsupported genotype %v", g)
		}
	}

	strong := FilterGenotypes(genotypes, s, PolicyExcludePartiallyObserved)
	for _, g := range strong {
		if !g.SupportsObservations(s) {
			t.Fatalf("PolicyExcludePartiallyObserved kept partially unsupported genotype %v", g)
		}
	}
	if len(strong) >= len(weak) {
		t.Fatalf("strong filter should be at least as strict as weak: strong=%d weak=%d", len(strong), len(weak))
	}
}

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

// SkipReason explains why a site produced no call.
type SkipReason int

const (
	// SkipNone means the site was scored normally.
	SkipNone SkipReason = iota
	// SkipNonCanonicalRef means the reference base at the site was not one
	// of A/C/G/T (e.g. an 'N' or other ambiguity code).
	SkipNonCanonicalRef
	// SkipOffTarget means the site fell outside the caller's target-region
	// filter.
	SkipOffTarget
	// SkipLowCoverage means fewer than Opts.MinCoverage total observations
	// were present across all samples.
	SkipLowCoverage
	// SkipInsufficientAlternates means no non-reference allele group met
	// Opts.MinAltCount/MinAltFraction.
	SkipInsufficientAlternates
	// SkipTooFewAlleles means fewer than two distinct, kind-admitted alleles
	// survived filtering, so there is no genotype space to search.
	SkipTooFewAlleles
)

// String implements fmt.Stringer.
func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipNonCanonicalRef:
		return "non_canonical_ref"
	case SkipOffTarget:
		return "off_target"
	case SkipLowCoverage:
		return "low_coverage"
	case SkipInsufficientAlternates:
		return "insufficient_alternates"
	case SkipTooFewAlleles:
		return "too_few_alleles"
	default:
		return "unknown"
	}
}

// SiteInput is everything the core engine needs about one site to attempt a
// call; assembling it from a pileup is the source package's job.
type SiteInput struct {
	// RefBase is the reference base at the site, as read from the reference
	// FASTA; must be one of 'A', 'C', 'G', 'T' (upper case) to be callable.
	RefBase byte
	// Samples is the per-sample observation set at the site.
	Samples []*Sample
	// OnTarget reports whether the site passed the upstream target-region
	// filter; when false the site is skipped without further work.
	OnTarget bool
}

// SiteResult is the outcome of calling one site (C8).
type SiteResult struct {
	Skip     SkipReason
	Decision *Decision
	Combos   []*GenotypeCombo
	Ref      Allele
	Alleles  []Allele
}

func isCanonicalBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return true
	default:
		return false
	}
}

// refAllele builds the reference pseudo-allele for base b.
func refAllele(b byte) Allele {
	return Allele{Kind: AlleleRef, Bases: string(b)}
}

// admitAllele reports whether a's kind is enabled by opts.
func admitAllele(a Allele, opts *Opts) bool {
	switch a.Kind {
	case AlleleRef:
		return true
	case AlleleSNP:
		return opts.AllowSNPs
	case AlleleInsertion, AlleleDeletion:
		return opts.AllowIndels
	case AlleleMNP:
		return opts.AllowMNPs
	default:
		return false
	}
}

// collectAlleles gathers the distinct, kind-admitted alleles observed across
// every sample at the site, optionally injecting the reference allele when
// opts.UseRefAllele is set (C1/C8).
func collectAlleles(samples []*Sample, ref Allele, opts *Opts) []Allele {
	seen := map[string]bool{}
	var out []Allele
	if opts.UseRefAllele {
		seen[ref.groupKey()] = true
		out = append(out, ref)
	}
	for _, s := range samples {
		for _, a := range s.DistinctAlleles() {
			if !admitAllele(a, opts) {
				continue
			}
			key := a.groupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}

// Call runs the full per-site pipeline (C8): admission checks, allele
// discovery, genotype enumeration and filtering, combo search, marginal
// refinement, and site decision. It is the single entry point the source
// and format packages drive.
func Call(input SiteInput, opts *Opts) *SiteResult {
	if !isCanonicalBase(input.RefBase) {
		return &SiteResult{Skip: SkipNonCanonicalRef}
	}
	if !input.OnTarget {
		return &SiteResult{Skip: SkipOffTarget}
	}
	if CountAlleles(input.Samples) < opts.MinCoverage {
		return &SiteResult{Skip: SkipLowCoverage}
	}
	if !SufficientAlternateObservations(input.Samples, opts.MinAltCount, opts.MinAltFraction) {
		return &SiteResult{Skip: SkipInsufficientAlternates}
	}

	ref := refAllele(input.RefBase)
	alleles := collectAlleles(input.Samples, ref, opts)
	if len(alleles) < 2 {
		return &SiteResult{Skip: SkipTooFewAlleles, Ref: ref, Alleles: alleles}
	}

	genotypesBySample := make(map[*Sample][]Genotype, len(input.Samples))
	for _, s := range input.Samples {
		all := AllPossibleGenotypes(s.Ploidy, alleles)
		genotypesBySample[s] = FilterGenotypes(all, s, opts.GenotypePolicy)
	}

	psls := buildPerSampleLikelihoods(input.Samples, genotypesBySample, opts)
	if len(psls) == 0 {
		return &SiteResult{Skip: SkipTooFewAlleles, Ref: ref, Alleles: alleles}
	}

	combos := EMSearch(psls, ref, opts)
	combos, _ = RefineMarginals(psls, combos, opts)
	if len(combos) == 0 {
		return &SiteResult{Skip: SkipTooFewAlleles, Ref: ref, Alleles: alleles}
	}

	decision := Decide(combos, ref, opts)
	return &SiteResult{
		Skip:     SkipNone,
		Decision: decision,
		Combos:   combos,
		Ref:      ref,
		Alleles:  alleles,
	}
}

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

import "github.com/pkg/errors"

// GenotypePolicy selects how the genotype enumerator (C2) filters genotypes
// for a single sample.
type GenotypePolicy int

const (
	// PolicyAll keeps every genotype produced by the enumerator.
	PolicyAll GenotypePolicy = iota
	// PolicyExcludeUnobserved drops genotypes in which no allele appears
	// among the sample's observations.
	PolicyExcludeUnobserved
	// PolicyExcludePartiallyObserved drops genotypes in which any allele
	// lacks support.
	PolicyExcludePartiallyObserved
)

// Opts holds every tunable of the inference engine. There is deliberately no
// behavior hidden behind environment variables or globals: a call of Call is a
// pure function of its SiteInput plus an Opts value.
type Opts struct {
	// Allele-kind admission (C1).
	AllowSNPs   bool
	AllowIndels bool
	AllowMNPs   bool

	// UseRefAllele unconditionally injects the reference allele into the
	// site's candidate allele list, even when no sample observes it.
	UseRefAllele bool

	// MinCoverage is the minimum total observation count across all samples
	// required before a site is even considered (C8).
	MinCoverage int

	// MinAltCount and MinAltFraction gate the early-rejection check of C1
	// (sufficientAlternateObservations).
	MinAltCount    int
	MinAltFraction float64

	// GenotypePolicy selects the C2 filter applied per sample.
	GenotypePolicy GenotypePolicy

	// RDF is the read-dependence factor in [0,1] that attenuates repeated
	// observations from the same originating read (C3).
	RDF float64

	// UseMappingQuality folds mapping quality into the per-observation error
	// model (C3).
	UseMappingQuality bool

	// ErrFloorScalar multiplicatively widens the per-base error floor (C3).
	// It is the default scalar applied to a sample whose Technology tag is
	// empty or absent from ErrFloorScalarByTechnology. 1.0 means no change.
	ErrFloorScalar float64

	// ErrFloorScalarByTechnology overrides ErrFloorScalar for a sample
	// whose Sample.Technology (set from source.SampleFile.Technology, the
	// sequencingTechnologies producer-contract field, §6) matches a key
	// here. A long-read platform like "pacbio" or "ont" typically wants a
	// wider floor than the short-read default.
	ErrFloorScalarByTechnology map[string]float64

	// GenotypeVariantThreshold is the Phred-scale gap between a sample's top
	// two genotype log-likelihoods below which the sample is treated as a
	// variant-candidate during search (C3/C5).
	GenotypeVariantThreshold float64

	// WB, TB, GenotypeComboStepMax and TH configure the banded search (C5):
	// band width, recursion depth, total substitution budget, and the
	// log-space pruning threshold below the best-seen combo.
	WB                    int
	TB                    int
	GenotypeComboStepMax  int
	TH                    float64

	// Pooled selects the uniform genotype|Af prior instead of HWE (C4).
	Pooled bool
	// Permute accounts for all orderings of an unordered genotype multiset
	// when combining with the allele-frequency prior (C4).
	Permute bool

	// HWEPriors, ObsBinomialPriors and AlleleBalancePriors toggle individual
	// prior terms (C4).
	HWEPriors          bool
	ObsBinomialPriors  bool
	AlleleBalancePriors bool

	// DiffusionPriorScalar multiplies the combined log-prior (C4).
	DiffusionPriorScalar float64

	// Theta is the Af-prior (Ewens/Watterson) concentration parameter (C4).
	Theta float64

	// ExpectationMaximization and ExpectationMaximizationMaxIterations
	// toggle and bound the EM search mode (C5).
	ExpectationMaximization               bool
	ExpectationMaximizationMaxIterations  int

	// CalculateMarginals and GenotypingMaxIterations toggle and bound the
	// marginal-refinement loop (C6).
	CalculateMarginals      bool
	GenotypingMaxIterations int

	// PVL is the site-call threshold on (1 - pHom) (C7).
	PVL float64

	// ReportAllAlternates emits one output record per alternate allele of
	// the best combo instead of a single record listing every alternate
	// together (C7).
	ReportAllAlternates bool

	// CloseCallMargin, when positive, surfaces the runner-up combos within
	// this many sorted positions of the best combo as Decision.Alternates
	// (see SPEC_FULL.md's "supplemented features"). It is independent of
	// ReportAllAlternates, which only decomposes the best combo's own
	// alternate alleles. Zero reports no runner-up combos.
	CloseCallMargin int

	// MinBaseQual and MinMapQual are upstream observation filters (C1).
	MinBaseQual byte
	MinMapQual  byte
}

// DefaultOpts mirrors the defaults a caller gets from an unconfigured
// command line: diploid-friendly, banded search, HWE+diffusion priors on,
// EM and allele-balance priors off.
var DefaultOpts = Opts{
	AllowSNPs:                true,
	AllowIndels:               true,
	AllowMNPs:                 true,
	UseRefAllele:              true,
	MinCoverage:               1,
	MinAltCount:               2,
	MinAltFraction:            0.05,
	GenotypePolicy:            PolicyExcludeUnobserved,
	RDF:                       1.0,
	UseMappingQuality:         true,
	ErrFloorScalar:            1.0,
	GenotypeVariantThreshold:  3.0,
	WB:                        3,
	TB:                        3,
	GenotypeComboStepMax:      16,
	TH:                        20.0,
	Pooled:                    false,
	Permute:                   true,
	HWEPriors:                 true,
	ObsBinomialPriors:         true,
	AlleleBalancePriors:       false,
	DiffusionPriorScalar:      1.0,
	Theta:                     0.001,
	ExpectationMaximization:              false,
	ExpectationMaximizationMaxIterations: 5,
	CalculateMarginals:      true,
	GenotypingMaxIterations: 10,
	PVL:                     0.0,
	ReportAllAlternates:     false,
	CloseCallMargin:         0,
	MinBaseQual:             0,
	MinMapQual:              0,
}

// Validate checks for nonsense configurations. The core assumes it is only
// ever handed a validated Opts; callers (cmd/bio-varcall) must call this at
// startup.
func (o *Opts) Validate() error {
	if o.WB < 1 {
		return errors.New("variantcall: WB must be >= 1")
	}
	if o.TB < 1 {
		return errors.New("variantcall: TB must be >= 1")
	}
	if o.TH < 0 {
		return errors.New("variantcall: TH must be non-negative")
	}
	if o.RDF < 0 || o.RDF > 1 {
		return errors.New("variantcall: RDF must be in [0,1]")
	}
	if o.Theta <= 0 {
		return errors.New("variantcall: theta must be positive")
	}
	if o.PVL < 0 || o.PVL > 1 {
		return errors.New("variantcall: PVL must be in [0,1]")
	}
	if o.GenotypeComboStepMax < 1 {
		return errors.New("variantcall: genotypeComboStepMax must be >= 1")
	}
	if o.ExpectationMaximization && o.ExpectationMaximizationMaxIterations < 1 {
		return errors.New("variantcall: expectationMaximizationMaxIterations must be >= 1 when EM is enabled")
	}
	if o.CalculateMarginals && o.GenotypingMaxIterations < 1 {
		return errors.New("variantcall: genotypingMaxIterations must be >= 1 when marginals are enabled")
	}
	if o.ErrFloorScalar <= 0 {
		return errors.New("variantcall: errFloorScalar must be positive")
	}
	for tech, scalar := range o.ErrFloorScalarByTechnology {
		if scalar <= 0 {
			return errors.Errorf("variantcall: errFloorScalarByTechnology[%s] must be positive", tech)
		}
	}
	return nil
}

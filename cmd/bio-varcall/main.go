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
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/varcall/variantcall"
	"github.com/grailbio/varcall/variantcall/format"
	"github.com/grailbio/varcall/variantcall/source"
	"github.com/grailbio/varcall/variantcall/trace"
)

// sampleFlags collects repeated -sample flags of the form
// "name=bampath[:ploidy[:technology]]", ploidy defaulting to 2 and
// technology defaulting to empty (unspecified).
type sampleFlags []source.SampleFile

func (s *sampleFlags) String() string {
	parts := make([]string, len(*s))
	for i, sf := range *s {
		parts[i] = fmt.Sprintf("%s=%s", sf.Name, sf.BAMPath)
	}
	return strings.Join(parts, ",")
}

func (s *sampleFlags) Set(v string) error {
	nameAndRest := strings.SplitN(v, "=", 2)
	if len(nameAndRest) != 2 || nameAndRest[0] == "" {
		return fmt.Errorf("-sample must be name=bampath[:ploidy[:technology]], got %q", v)
	}
	fields := strings.SplitN(nameAndRest[1], ":", 3)
	ploidy := 2
	technology := ""
	if len(fields) >= 2 && fields[1] != "" {
		p, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("-sample ploidy must be an integer, got %q", fields[1])
		}
		ploidy = p
	}
	if len(fields) == 3 {
		technology = fields[2]
	}
	*s = append(*s, source.SampleFile{
		Name:       nameAndRest[0],
		BAMPath:    fields[0],
		Ploidy:     ploidy,
		Technology: technology,
	})
	return nil
}

var samples sampleFlags

// errFloorScalarFlags collects repeated -err-floor-scalar-technology flags
// of the form "technology=scalar" into variantcall.Opts.ErrFloorScalarByTechnology.
type errFloorScalarFlags map[string]float64

func (f errFloorScalarFlags) String() string {
	parts := make([]string, 0, len(f))
	for tech, scalar := range f {
		parts = append(parts, fmt.Sprintf("%s=%g", tech, scalar))
	}
	return strings.Join(parts, ",")
}

func (f errFloorScalarFlags) Set(v string) error {
	techAndScalar := strings.SplitN(v, "=", 2)
	if len(techAndScalar) != 2 || techAndScalar[0] == "" {
		return fmt.Errorf("-err-floor-scalar-technology must be technology=scalar, got %q", v)
	}
	scalar, err := strconv.ParseFloat(techAndScalar[1], 64)
	if err != nil {
		return fmt.Errorf("-err-floor-scalar-technology scalar must be a float, got %q", techAndScalar[1])
	}
	f[techAndScalar[0]] = scalar
	return nil
}

var errFloorScalarByTechnology = errFloorScalarFlags{}

var (
	bedPath      = flag.String("bed", "", "Input BED path restricting calling to a set of regions; mutually exclusive with -region")
	region       = flag.String("region", "", "Restrict calling to the specified region, formatted as <contig>:<1-based first pos>-<last pos>; mutually exclusive with -bed")
	outPath      = flag.String("out", "bio-varcall.tsv", "Output call-table path; a .gz suffix writes a bgzf-compressed stream")
	traceOutPath = flag.String("trace-out", "", "If set, write a per-combo probability trace to this path")
	skipOutPath  = flag.String("skip-out", "", "If set, write a BED report of skipped sites to this path")
	parallelism  = flag.Int("parallelism", runtime.NumCPU(), "Maximum number of shards processed concurrently; 0 = runtime.NumCPU()")
	minMapQual   = flag.Int("min-map-qual", int(source.DefaultOpts.MinMapQual), "Reads with MAPQ below this level are skipped")
	minBaseQual  = flag.Int("min-base-qual", int(source.DefaultOpts.MinBaseQual), "Bases with quality below this level are skipped")
	flagExclude  = flag.Int("flag-exclude", int(source.DefaultOpts.FlagExclude), "Reads with a FLAG bit intersecting this value are skipped")
	padding      = flag.Int("padding", source.DefaultOpts.Padding, "Padding in bases applied to shard boundaries so reads are not missed at a seam")

	allowSNPs       = flag.Bool("allow-snps", variantcall.DefaultOpts.AllowSNPs, "Consider SNP alleles")
	allowIndels     = flag.Bool("allow-indels", variantcall.DefaultOpts.AllowIndels, "Consider insertion/deletion alleles")
	allowMNPs       = flag.Bool("allow-mnps", variantcall.DefaultOpts.AllowMNPs, "Consider MNP alleles")
	useRefAllele    = flag.Bool("use-ref-allele", variantcall.DefaultOpts.UseRefAllele, "Always include the reference allele in the genotype search space")
	minCoverage     = flag.Int("min-coverage", variantcall.DefaultOpts.MinCoverage, "Minimum total observation count across all samples required to attempt a call")
	minAltCount     = flag.Int("min-alt-count", variantcall.DefaultOpts.MinAltCount, "Minimum supporting-read count for a non-reference allele group to be admitted")
	minAltFraction  = flag.Float64("min-alt-fraction", variantcall.DefaultOpts.MinAltFraction, "Minimum supporting-read fraction for a non-reference allele group to be admitted")
	rdf             = flag.Float64("rdf", variantcall.DefaultOpts.RDF, "Read-dependence factor in [0,1] attenuating repeated observations from one read")
	useMappingQual  = flag.Bool("use-mapping-quality", variantcall.DefaultOpts.UseMappingQuality, "Fold mapping quality into the per-observation error model")
	errFloorScalar  = flag.Float64("err-floor-scalar", variantcall.DefaultOpts.ErrFloorScalar, "Multiplicative widening of the per-base error floor")
	genoVarThresh   = flag.Float64("genotype-variant-threshold", variantcall.DefaultOpts.GenotypeVariantThreshold, "Phred-scale gap below which a sample is treated as a variant candidate during search")
	wb              = flag.Int("wb", variantcall.DefaultOpts.WB, "Banded-search band width")
	tb              = flag.Int("tb", variantcall.DefaultOpts.TB, "Banded-search recursion depth")
	comboStepMax    = flag.Int("genotype-combo-step-max", variantcall.DefaultOpts.GenotypeComboStepMax, "Total substitution budget / retained-combo cap for the banded search")
	th              = flag.Float64("th", variantcall.DefaultOpts.TH, "Log-space pruning threshold below the best-seen combo")
	pooled          = flag.Bool("pooled", variantcall.DefaultOpts.Pooled, "Use the uniform genotype-given-allele-frequency prior instead of Hardy-Weinberg")
	permute         = flag.Bool("permute", variantcall.DefaultOpts.Permute, "Account for all orderings of an unordered genotype multiset in the allele-frequency prior")
	hwePriors       = flag.Bool("hwe-priors", variantcall.DefaultOpts.HWEPriors, "Enable the Hardy-Weinberg genotype-given-allele-frequency prior term")
	obsBinomPriors  = flag.Bool("obs-binomial-priors", variantcall.DefaultOpts.ObsBinomialPriors, "Enable the observation-count binomial prior term")
	alleleBalPriors = flag.Bool("allele-balance-priors", variantcall.DefaultOpts.AlleleBalancePriors, "Enable the allele-balance prior term")
	diffusionScalar = flag.Float64("diffusion-prior-scalar", variantcall.DefaultOpts.DiffusionPriorScalar, "Scalar multiplying the combined observation prior")
	theta           = flag.Float64("theta", variantcall.DefaultOpts.Theta, "Ewens/Watterson allele-frequency prior concentration parameter")
	em              = flag.Bool("em", variantcall.DefaultOpts.ExpectationMaximization, "Re-weight genotype likelihoods by population allele frequency across EM iterations")
	emMaxIterations = flag.Int("em-max-iterations", variantcall.DefaultOpts.ExpectationMaximizationMaxIterations, "Maximum EM iterations")
	calcMarginals   = flag.Bool("calculate-marginals", variantcall.DefaultOpts.CalculateMarginals, "Refine the combo set by iterating per-sample marginal genotype probabilities")
	maxGenoIters    = flag.Int("genotyping-max-iterations", variantcall.DefaultOpts.GenotypingMaxIterations, "Maximum marginal-refinement iterations")
	pvl             = flag.Float64("pvl", variantcall.DefaultOpts.PVL, "Minimum P(variant) required to emit a call")
	reportAllAlts   = flag.Bool("report-all-alternates", variantcall.DefaultOpts.ReportAllAlternates, "Emit one record per alternate allele of the best combo instead of a single combined record")
	closeCallMargin = flag.Int("close-call-margin", variantcall.DefaultOpts.CloseCallMargin, "Collect the runner-up combos at this many sorted positions after the best into Decision.Alternates (not written to the output)")
)

func init() {
	flag.Var(&samples, "sample", "Repeatable. One sample's BAM input, formatted as name=bampath[:ploidy[:technology]] (ploidy defaults to 2, technology defaults to unspecified)")
	flag.Var(errFloorScalarByTechnology, "err-floor-scalar-technology", "Repeatable. Per-technology override of -err-floor-scalar, formatted as technology=scalar")
}

func bioVarcallUsage() {
	fmt.Printf("Usage: %s [OPTIONS] -sample name=bampath ... fapath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bioVarcallUsage
	shutdown := grail.Init()
	defer shutdown()

	if len(samples) == 0 {
		log.Fatalf("at least one -sample is required")
	}
	if *bedPath != "" && *region != "" {
		log.Fatalf("-bed and -region are mutually exclusive")
	}
	if flag.NArg() != 1 {
		log.Fatalf("exactly one positional argument (reference fasta path) is required, got %d", flag.NArg())
	}
	refPath := flag.Arg(0)

	srcOpts := source.DefaultOpts
	srcOpts.Samples = samples
	srcOpts.ReferencePath = refPath
	srcOpts.BEDPath = *bedPath
	srcOpts.Region = *region
	srcOpts.MinMapQual = byte(*minMapQual)
	srcOpts.MinBaseQual = byte(*minBaseQual)
	srcOpts.FlagExclude = uint16(*flagExclude)
	srcOpts.Parallelism = *parallelism
	srcOpts.Padding = *padding
	if err := srcOpts.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	callOpts := variantcall.DefaultOpts
	callOpts.AllowSNPs = *allowSNPs
	callOpts.AllowIndels = *allowIndels
	callOpts.AllowMNPs = *allowMNPs
	callOpts.UseRefAllele = *useRefAllele
	callOpts.MinCoverage = *minCoverage
	callOpts.MinAltCount = *minAltCount
	callOpts.MinAltFraction = *minAltFraction
	callOpts.RDF = *rdf
	callOpts.UseMappingQuality = *useMappingQual
	callOpts.ErrFloorScalar = *errFloorScalar
	if len(errFloorScalarByTechnology) > 0 {
		callOpts.ErrFloorScalarByTechnology = errFloorScalarByTechnology
	}
	callOpts.GenotypeVariantThreshold = *genoVarThresh
	callOpts.WB = *wb
	callOpts.TB = *tb
	callOpts.GenotypeComboStepMax = *comboStepMax
	callOpts.TH = *th
	callOpts.Pooled = *pooled
	callOpts.Permute = *permute
	callOpts.HWEPriors = *hwePriors
	callOpts.ObsBinomialPriors = *obsBinomPriors
	callOpts.AlleleBalancePriors = *alleleBalPriors
	callOpts.DiffusionPriorScalar = *diffusionScalar
	callOpts.Theta = *theta
	callOpts.ExpectationMaximization = *em
	callOpts.ExpectationMaximizationMaxIterations = *emMaxIterations
	callOpts.CalculateMarginals = *calcMarginals
	callOpts.GenotypingMaxIterations = *maxGenoIters
	callOpts.PVL = *pvl
	callOpts.ReportAllAlternates = *reportAllAlts
	callOpts.CloseCallMargin = *closeCallMargin
	callOpts.MinBaseQual = byte(*minBaseQual)
	callOpts.MinMapQual = byte(*minMapQual)
	if err := callOpts.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	ctx := vcontext.Background()
	if err := run(ctx, srcOpts, &callOpts); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}

func run(ctx context.Context, srcOpts source.Opts, callOpts *variantcall.Opts) error {
	src, err := source.New(srcOpts)
	if err != nil {
		return err
	}
	defer src.Close() // nolint: errcheck

	sampleNames := make([]string, len(srcOpts.Samples))
	for i, s := range srcOpts.Samples {
		sampleNames[i] = s.Name
	}

	out, err := format.New(ctx, format.Opts{
		Path:                *outPath,
		BGZFLevel:           6,
		SampleNames:         sampleNames,
		ReportAllAlternates: callOpts.ReportAllAlternates,
	})
	if err != nil {
		return err
	}
	defer out.Close(ctx) // nolint: errcheck

	var comboTrace *trace.ComboWriter
	if *traceOutPath != "" {
		comboTrace, err = trace.NewComboWriter(ctx, *traceOutPath)
		if err != nil {
			return err
		}
		defer comboTrace.Close(ctx) // nolint: errcheck
	}

	var skipTrace *trace.SkipWriter
	if *skipOutPath != "" {
		skipTrace, err = trace.NewSkipWriter(ctx, *skipOutPath)
		if err != nil {
			return err
		}
		defer skipTrace.Close(ctx) // nolint: errcheck
	}

	var mu sync.Mutex
	return src.Run(ctx, func(site source.Site) error {
		result := variantcall.Call(site.Input, callOpts)

		mu.Lock()
		defer mu.Unlock()
		if result.Skip != variantcall.SkipNone {
			if skipTrace != nil {
				return skipTrace.Write(site.Contig, site.Pos, result.Skip)
			}
			return nil
		}
		if comboTrace != nil {
			if err := comboTrace.Write(site, result.Combos); err != nil {
				return err
			}
		}
		return out.Write(site, result)
	})
}

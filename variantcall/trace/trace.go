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

// Package trace writes two diagnostic side-channels alongside the main call
// table: a per-combo probability trace (for debugging the search and prior
// terms) and a BED report of skipped sites.
package trace

import (
	"context"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varcall/variantcall"
	"github.com/grailbio/varcall/variantcall/source"
	"github.com/pkg/errors"
)

// ComboWriter writes one row per scored GenotypeCombo considered for a site,
// with distinct columns for the prior and posterior log-probabilities so
// that a reader can tell the two apart instead of aliasing them together.
type ComboWriter struct {
	out file.File
	tsv *tsv.Writer
}

// NewComboWriter creates the trace file and writes its header.
func NewComboWriter(ctx context.Context, path string) (*ComboWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "trace: creating %s", path)
	}
	w := &ComboWriter{out: out, tsv: tsv.NewWriter(out.Writer(ctx))}
	w.tsv.WriteString("#CHROM")
	w.tsv.WriteString("POS")
	w.tsv.WriteString("COMBO")
	w.tsv.WriteString("loglik")
	w.tsv.WriteString("priorln")
	w.tsv.WriteString("posteriorProb")
	w.tsv.WriteString("marginal")
	if err := w.tsv.EndLine(); err != nil {
		return nil, errors.Wrap(err, "trace: writing header")
	}
	return w, nil
}

// Write emits one row per combo in combos.
func (w *ComboWriter) Write(site source.Site, combos []*variantcall.GenotypeCombo) error {
	for _, c := range combos {
		w.tsv.WriteString(site.Contig)
		w.tsv.WriteUint32(uint32(site.Pos + 1))
		w.tsv.WriteString(comboDescription(c))
		w.tsv.WriteString(formatFloat(c.LogLikelihood))
		w.tsv.WriteString(formatFloat(c.LogPriorAf + c.LogPriorGivenAf + c.LogPriorObservations))
		w.tsv.WriteString(formatFloat(c.LogPosterior))
		w.tsv.WriteString(formatFloat(firstMarginal(c)))
		if err := w.tsv.EndLine(); err != nil {
			return errors.Wrap(err, "trace: writing combo row")
		}
	}
	return nil
}

// Close flushes and closes the trace file.
func (w *ComboWriter) Close(ctx context.Context) error {
	if err := w.tsv.Flush(); err != nil {
		return errors.Wrap(err, "trace: flushing")
	}
	return w.out.Close(ctx)
}

func comboDescription(c *variantcall.GenotypeCombo) string {
	desc := ""
	for i, a := range c.Assignments {
		if i > 0 {
			desc += ";"
		}
		desc += a.Sample.Name + "=" + genotypeString(a.Genotype)
	}
	return desc
}

func genotypeString(g variantcall.Genotype) string {
	s := ""
	for _, ac := range g.Counts {
		for i := 0; i < ac.Count; i++ {
			if s != "" {
				s += "/"
			}
			s += ac.Allele.Bases
		}
	}
	return s
}

func firstMarginal(c *variantcall.GenotypeCombo) float64 {
	if len(c.Assignments) == 0 {
		return 0
	}
	return c.Assignments[0].Marginal
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// SkipWriter writes a BED file covering every site the caller skipped,
// annotated with the reason, so a reviewer can spot-check why a position
// produced no call.
type SkipWriter struct {
	out file.File
	tsv *tsv.Writer
}

// NewSkipWriter creates the BED file. No header is written, matching BED
// convention.
func NewSkipWriter(ctx context.Context, path string) (*SkipWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "trace: creating %s", path)
	}
	return &SkipWriter{out: out, tsv: tsv.NewWriter(out.Writer(ctx))}, nil
}

// Write appends one BED row for a skipped site.
func (w *SkipWriter) Write(contig string, pos int, reason variantcall.SkipReason) error {
	w.tsv.WriteString(contig)
	w.tsv.WriteUint32(uint32(pos))
	w.tsv.WriteUint32(uint32(pos + 1))
	w.tsv.WriteString(reason.String())
	return w.tsv.EndLine()
}

// Close flushes and closes the BED file.
func (w *SkipWriter) Close(ctx context.Context) error {
	if err := w.tsv.Flush(); err != nil {
		return errors.Wrap(err, "trace: flushing skip report")
	}
	return w.out.Close(ctx)
}

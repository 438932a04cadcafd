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
package format_test

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/varcall/variantcall"
	"github.com/grailbio/varcall/variantcall/format"
	"github.com/grailbio/varcall/variantcall/source"
)

func hetResult() (*variantcall.SiteResult, source.Site) {
	ref := variantcall.Allele{Kind: variantcall.AlleleRef, Bases: "A"}
	alt := variantcall.Allele{Kind: variantcall.AlleleSNP, Bases: "G"}
	s := &variantcall.Sample{Name: "s1", Ploidy: 2}
	het := variantcall.Genotype{Counts: []variantcall.AlleleCount{
		{Allele: ref, Count: 1},
		{Allele: alt, Count: 1},
	}}
	combo := &variantcall.GenotypeCombo{
		Assignments: []variantcall.SampleDataLikelihood{{Sample: s, Genotype: het}},
	}
	decision := &variantcall.Decision{
		Qual:             30.0,
		PVar:             0.999,
		Best:             combo,
		AlternateAlleles: []variantcall.Allele{alt},
		Called:           true,
	}
	result := &variantcall.SiteResult{
		Skip:     variantcall.SkipNone,
		Decision: decision,
		Ref:      ref,
	}
	site := source.Site{Contig: "chr1", Pos: 1999}
	return result, site
}

func TestWriterWritesHeaderAndCalledSite(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	w, err := format.New(ctx, format.Opts{Path: path, SampleNames: []string{"s1"}})
	assert.NoError(t, err)

	result, site := hetResult()
	assert.NoError(t, w.Write(site, result))
	assert.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2 (header + one called site)", len(lines))
	}

	header := strings.Split(lines[0], "\t")
	wantHeader := []string{"#CHROM", "POS", "REF", "ALT", "QUAL", "PVAR", "s1:GT"}
	if len(header) != len(wantHeader) {
		t.Fatalf("header = %v, want %v", header, wantHeader)
	}

	row := strings.Split(lines[1], "\t")
	if row[0] != "chr1" || row[1] != "2000" {
		t.Fatalf("row #CHROM/POS = %v, want [chr1 2000] (1-based output)", row[:2])
	}
	if row[2] != "A" || row[3] != "G" {
		t.Fatalf("row REF/ALT = %v, want [A G]", row[2:4])
	}
	if row[6] != "A/G" {
		t.Fatalf("row s1:GT = %q, want %q", row[6], "A/G")
	}
}

func TestWriterSkipsUncalledSites(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	w, err := format.New(ctx, format.Opts{Path: path, SampleNames: []string{"s1"}})
	assert.NoError(t, err)

	result, site := hetResult()
	result.Decision.Called = false
	assert.NoError(t, w.Write(site, result))

	result2, site2 := hetResult()
	result2.Skip = variantcall.SkipLowCoverage
	result2.Decision = nil
	assert.NoError(t, w.Write(site2, result2))

	assert.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1 (header only, no called sites)", len(lines))
	}
}

func multiAltResult() (*variantcall.SiteResult, source.Site) {
	ref := variantcall.Allele{Kind: variantcall.AlleleRef, Bases: "A"}
	g := variantcall.Allele{Kind: variantcall.AlleleSNP, Bases: "G"}
	c := variantcall.Allele{Kind: variantcall.AlleleSNP, Bases: "C"}
	s1 := &variantcall.Sample{Name: "s1", Ploidy: 2}
	s2 := &variantcall.Sample{Name: "s2", Ploidy: 2}
	combo := &variantcall.GenotypeCombo{
		Assignments: []variantcall.SampleDataLikelihood{
			{Sample: s1, Genotype: variantcall.Genotype{Counts: []variantcall.AlleleCount{
				{Allele: ref, Count: 1}, {Allele: g, Count: 1},
			}}},
			{Sample: s2, Genotype: variantcall.Genotype{Counts: []variantcall.AlleleCount{
				{Allele: g, Count: 1}, {Allele: c, Count: 1},
			}}},
		},
	}
	decision := &variantcall.Decision{
		Qual:             30.0,
		PVar:             0.999,
		Best:             combo,
		AlternateAlleles: []variantcall.Allele{g, c},
		Called:           true,
	}
	result := &variantcall.SiteResult{
		Skip:     variantcall.SkipNone,
		Decision: decision,
		Ref:      ref,
	}
	site := source.Site{Contig: "chr1", Pos: 2999}
	return result, site
}

func TestWriterCombinesAlternatesByDefault(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	w, err := format.New(ctx, format.Opts{Path: path, SampleNames: []string{"s1", "s2"}})
	assert.NoError(t, err)

	result, site := multiAltResult()
	assert.NoError(t, w.Write(site, result))
	assert.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2 (header + one combined row)", len(lines))
	}
	row := strings.Split(lines[1], "\t")
	if row[3] != "G,C" {
		t.Fatalf("row ALT = %q, want %q", row[3], "G,C")
	}
}

func TestWriterReportAllAlternatesEmitsOneRowPerAlternate(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	w, err := format.New(ctx, format.Opts{Path: path, SampleNames: []string{"s1", "s2"}, ReportAllAlternates: true})
	assert.NoError(t, err)

	result, site := multiAltResult()
	assert.NoError(t, w.Write(site, result))
	assert.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3 (header + one row per alternate)", len(lines))
	}
	if row := strings.Split(lines[1], "\t"); row[3] != "G" {
		t.Fatalf("row 1 ALT = %q, want %q", row[3], "G")
	}
	if row := strings.Split(lines[2], "\t"); row[3] != "C" {
		t.Fatalf("row 2 ALT = %q, want %q", row[3], "C")
	}
}

func TestWriterRequiresAtLeastOneSampleName(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	_, err := format.New(ctx, format.Opts{Path: path})
	if err == nil {
		t.Fatalf("format.New with no SampleNames should fail")
	}
}

func TestWriterMissingSampleGenotypeIsMissing(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.tsv")
	w, err := format.New(ctx, format.Opts{Path: path, SampleNames: []string{"s1", "s2"}})
	assert.NoError(t, err)

	result, site := hetResult()
	assert.NoError(t, w.Write(site, result))
	assert.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	row := strings.Split(lines[1], "\t")
	if row[len(row)-1] != "./." {
		t.Fatalf("missing sample s2's genotype column = %q, want %q", row[len(row)-1], "./.")
	}
}

package bootstrap

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/Octogonapus/S3BenchmarkFleet/artifact"
)

func testArtifacts() *artifact.Artifacts {
	return &artifact.Artifacts{
		Bootstrap: &artifact.Reference{Bucket: "assets", Key: "assets/init.sh"},
		Dashboard: &artifact.Reference{Bucket: "assets", Key: "assets/dashboard.sh"},
		Run:       &artifact.Reference{Bucket: "assets", Key: "assets/run.sh"},
	}
}

func testInput() *BuildInput {
	return &BuildInput{
		User:           "alice",
		Project:        "s3-bench",
		Branch:         "main",
		Shape:          "c5n.18xlarge",
		ThroughputGbps: 100,
		Artifacts:      testArtifacts(),
	}
}

func TestBuildStepOrder(t *testing.T) {
	seq, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(seq.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(seq.Steps))
	}

	arts := testArtifacts()
	wantKeys := []string{arts.Bootstrap.Key, arts.Dashboard.Key, arts.Run.Key}
	for i := 0; i < 3; i++ {
		d, ok := seq.Steps[i].(*DownloadStep)
		if !ok {
			t.Fatalf("step %d: expected download, got %T", i, seq.Steps[i])
		}
		if d.Artifact.Key != wantKeys[i] {
			t.Fatalf("step %d: expected %s, got %s", i, wantKeys[i], d.Artifact.Key)
		}
		if d.LocalPath != "/tmp/"+wantKeys[i] {
			t.Fatalf("step %d: unexpected local path %s", i, d.LocalPath)
		}
	}
	e, ok := seq.Steps[3].(*ExecuteStep)
	if !ok {
		t.Fatalf("step 3: expected execute, got %T", seq.Steps[3])
	}
	if e.Path != seq.Steps[0].(*DownloadStep).LocalPath {
		t.Fatalf("expected the bootstrap script to be executed, got %s", e.Path)
	}
	if seq.Execute() != e {
		t.Fatalf("Execute returned the wrong step")
	}
	if len(seq.Downloads()) != 3 {
		t.Fatalf("expected 3 downloads, got %d", len(seq.Downloads()))
	}
}

func TestBuildArgumentsExactOrder(t *testing.T) {
	seq, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := seq.Execute().Args.Positional()
	want := []string{
		"alice",
		"/tmp/assets/dashboard.sh",
		"s3-bench",
		"main",
		"100",
		"/tmp/assets/run.sh",
		"c5n.18xlarge",
		"unknown",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected arguments:\n got %q\nwant %q", got, want)
	}
}

func TestBuildRegionOnlyChangesLastArgument(t *testing.T) {
	withoutRegion, err := Build(testInput())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	input := testInput()
	input.Region = "us-west-2"
	withRegion, err := Build(input)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	a := withoutRegion.Execute().Args.Positional()
	b := withRegion.Execute().Args.Positional()
	if len(a) != 8 || len(b) != 8 {
		t.Fatalf("expected 8 arguments, got %d and %d", len(a), len(b))
	}
	if a[7] != UnknownRegion || b[7] != "us-west-2" {
		t.Fatalf("unexpected regions %q and %q", a[7], b[7])
	}
	if !slices.Equal(a[:7], b[:7]) {
		t.Fatalf("region changed other arguments: %q vs %q", a, b)
	}
}

func TestBuildKeepsEmptyArguments(t *testing.T) {
	input := testInput()
	input.User = ""
	input.Branch = ""
	input.ThroughputGbps = ""
	seq, err := Build(input)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	args := seq.Execute().Args.Positional()
	if len(args) != 8 || args[0] != "" || args[3] != "" || args[4] != "" {
		t.Fatalf("unexpected arguments %q", args)
	}
	cmd := seq.Execute().Command()
	want := "'/tmp/assets/init.sh' '' '/tmp/assets/dashboard.sh' 's3-bench' '' '' '/tmp/assets/run.sh' 'c5n.18xlarge' 'unknown'"
	if cmd != want {
		t.Fatalf("unexpected command:\n got %s\nwant %s", cmd, want)
	}
}

func TestBuildInvalidThroughput(t *testing.T) {
	for _, v := range []any{nil, true, map[string]any{"a": 1}, []any{1}} {
		input := testInput()
		input.ThroughputGbps = v
		_, err := Build(input)
		var aerr *ArgumentAssemblyError
		if !errors.As(err, &aerr) {
			t.Fatalf("%#v: expected ArgumentAssemblyError, got %v", v, err)
		}
		if aerr.Shape != "c5n.18xlarge" || aerr.Project != "s3-bench" || aerr.Field != "throughput_gbps" {
			t.Fatalf("%#v: missing context in %+v", v, aerr)
		}
	}
}

func TestBuildMissingArtifact(t *testing.T) {
	input := testInput()
	input.Artifacts.Run = nil
	_, err := Build(input)
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("expected ErrMissingArtifact, got %v", err)
	}
}

func TestFormatThroughput(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{100, "100"},
		{int64(25), "25"},
		{uint32(7), "7"},
		{100.0, "100"},
		{12.5, "12.5"},
		{float32(0.5), "0.5"},
		{"400", "400"},
		{"", ""},
	}
	for _, tc := range cases {
		got, err := FormatThroughput(tc.in)
		if err != nil {
			t.Fatalf("%#v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%#v: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestValidateRejectsExecuteBeforeDownload(t *testing.T) {
	seq := &Sequence{}
	seq.AddExecute("/tmp/assets/init.sh", Arguments{})
	seq.AddDownload(&artifact.Reference{Bucket: "b", Key: "assets/init.sh"})
	if err := seq.Validate(); err == nil {
		t.Fatalf("expected an error")
	}

	seq = &Sequence{}
	p := seq.AddDownload(&artifact.Reference{Bucket: "b", Key: "assets/init.sh"})
	seq.AddExecute(p, Arguments{})
	if err := seq.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUserData(t *testing.T) {
	input := testInput()
	input.Region = "us-west-2"
	input.Artifacts.Run.URL = "http://minio:9000/assets/assets/run.sh?X-Amz-Signature=abc&X-Amz-Expires=604800"
	seq, err := Build(input)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	want := strings.Join([]string{
		"#!/bin/bash",
		"mkdir -p $(dirname '/tmp/assets/init.sh')",
		"aws s3 cp 's3://assets/assets/init.sh' '/tmp/assets/init.sh'",
		"mkdir -p $(dirname '/tmp/assets/dashboard.sh')",
		"aws s3 cp 's3://assets/assets/dashboard.sh' '/tmp/assets/dashboard.sh'",
		"mkdir -p $(dirname '/tmp/assets/run.sh')",
		"curl -fsSL --retry 3 -o '/tmp/assets/run.sh' 'http://minio:9000/assets/assets/run.sh?X-Amz-Signature=abc&X-Amz-Expires=604800'",
		"set -e",
		"chmod +x '/tmp/assets/init.sh'",
		"'/tmp/assets/init.sh' 'alice' '/tmp/assets/dashboard.sh' 's3-bench' 'main' '100' '/tmp/assets/run.sh' 'c5n.18xlarge' 'us-west-2'",
		"",
	}, "\n")
	if got := seq.UserData(); got != want {
		t.Fatalf("unexpected user data:\n%s\nwant:\n%s", got, want)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'"'"'s'` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

package command_test

import (
	"testing"

	"cpjudge/internal/cli/command"
	"cpjudge/internal/testutil"
)

func TestBuildRequest(t *testing.T) {
	t.Parallel()
	commands := command.Registry()
	tests := []struct {
		name     string
		key      string
		params   command.Params
		wantPath string
		wantBody string
	}{
		{name: "status by alias", key: "judge status", params: command.Params{"submission_id": "12"}, wantPath: "/api/v1/judge/submissions/12"},
		{name: "enqueue", key: "judge enqueue", params: command.Params{"id": "7"}, wantPath: "/api/v1/judge/submissions/7/enqueue"},
		{name: "ranking with limit", key: "scoring ranking", params: command.Params{"limit": "20"}, wantPath: "/api/v1/ranking?limit=20"},
		{name: "ranking without limit", key: "scoring ranking", params: command.Params{}, wantPath: "/api/v1/ranking"},
		{name: "backfill", key: "scoring backfill", params: command.Params{}, wantPath: "/api/v1/scoring/solvers/backfill"},
		{name: "link", key: "codeforces link", params: command.Params{"user_id": "3", "handle": "tourist"}, wantPath: "/api/v1/codeforces/users/3/link", wantBody: `{"handle":"tourist"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, ok := commands[tt.key]
			testutil.AssertTrue(t, ok, "command should be registered: "+tt.key)
			req, err := command.BuildRequest(cmd, tt.params)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, req.Path, tt.wantPath)
			testutil.AssertEqual(t, string(req.Body), tt.wantBody)
		})
	}
}

func TestBuildRequestValidates(t *testing.T) {
	t.Parallel()
	commands := command.Registry()

	_, err := command.BuildRequest(commands["judge status"], command.Params{})
	testutil.AssertTrue(t, err != nil, "missing id should fail")
	_, err = command.BuildRequest(commands["judge status"], command.Params{"id": "abc"})
	testutil.AssertTrue(t, err != nil, "non-numeric id should fail")
	_, err = command.BuildRequest(commands["scoring ranking"], command.Params{"limit": "ten"})
	testutil.AssertTrue(t, err != nil, "non-numeric limit should fail")
}

func TestParseParams(t *testing.T) {
	t.Parallel()
	params, err := command.ParseParams([]string{"Handle=tourist", "id=3", "note=a=b"})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, params.Get("handle"), "tourist")
	testutil.AssertEqual(t, params.Get("note"), "a=b")

	_, err = command.ParseParams([]string{"oops"})
	testutil.AssertTrue(t, err != nil, "token without = should fail")
}

func TestEveryCommandHasHelp(t *testing.T) {
	t.Parallel()
	for _, key := range command.SortedKeys(command.Registry()) {
		testutil.AssertTrue(t, command.Registry()[key].Help != "", "missing help for "+key)
	}
}

package version

import "testing"

func TestParseContract(t *testing.T) {
	cases := map[string]Contract{
		"1":     {Major: 1},
		"1.0":   {Major: 1},
		"v2.3":  {Major: 2, Minor: 3},
		"1.4.9": {Major: 1, Minor: 4},
		" 3.1 ": {Major: 3, Minor: 1},
	}
	for in, want := range cases {
		got, err := ParseContract(in)
		if err != nil {
			t.Fatalf("解析 %q 失败: %v", in, err)
		}
		if got != want {
			t.Fatalf("解析 %q 得到 %+v, 期望 %+v", in, got, want)
		}
	}
	for _, bad := range []string{"", "x", "1.y", "-1"} {
		if _, err := ParseContract(bad); err == nil {
			t.Fatalf("%q 应解析失败", bad)
		}
	}
}

func TestNegotiate(t *testing.T) {
	local := Contract{Major: 1, Minor: 2}

	if n := Negotiate(local, "1.2"); !n.Compatible || n.Reason != "" {
		t.Fatalf("同版本应兼容: %+v", n)
	}
	if n := Negotiate(local, "1.0"); !n.Compatible || n.Reason == "" {
		t.Fatalf("旧 minor 应兼容但给出提示: %+v", n)
	}
	if n := Negotiate(local, "2.0"); n.Compatible {
		t.Fatalf("major 不同不应兼容: %+v", n)
	}
	if n := Negotiate(local, "garbage"); n.Compatible {
		t.Fatalf("非法版本不应兼容: %+v", n)
	}
}

func TestCurrentContractMatchesConstant(t *testing.T) {
	if CurrentContract().String() != ContractVersion {
		t.Fatalf("当前契约 %s 与常量 %s 不一致", CurrentContract(), ContractVersion)
	}
}

func TestContractRanges(t *testing.T) {
	c := Contract{Major: 1, Minor: 2}

	cases := map[string]bool{
		"^1.0":            true,
		"^1.3":            false,
		"~1.2":            true,
		">= 1.0, < 3.0":   true,
		c.RequiredRange(): true,
		"^2.0":            false,
	}
	for constraint, want := range cases {
		got, err := c.Satisfies(constraint)
		if err != nil {
			t.Fatalf("约束 %q 解析失败: %v", constraint, err)
		}
		if got != want {
			t.Fatalf("%s 满足 %q 应为 %t", c, constraint, want)
		}
	}
	if _, err := c.Satisfies("not a range"); err == nil {
		t.Fatal("非法约束应报错")
	}

	if !c.Compatible(Contract{Major: 1, Minor: 9}) || c.Compatible(Contract{Major: 2}) {
		t.Fatalf("%s 的兼容范围错误: %s", c, c.CompatibleRange())
	}
	if c.Supports(Contract{Major: 1, Minor: 3}) || !c.Supports(Contract{Major: 1, Minor: 1}) {
		t.Fatal("Supports 应比较 minor")
	}
}

package region

import (
	"fmt"
	"strings"

	"geoslice/internal/common"
)

// parcelRegions maps RPG publication regions to the departments they cover
var parcelRegions = map[string][]string{
	"84": {"1", "3", "7", "15", "26", "38", "42", "43", "63", "69", "73", "74"},
	"27": {"21", "25", "39", "58", "70", "71", "89", "90"},
	"53": {"22", "29", "35", "56"},
	"24": {"18", "28", "36", "37", "41", "45"},
	"94": {"2A", "2B"},
	"44": {"8", "10", "51", "52", "54", "55", "57", "67", "68", "88"},
	"32": {"2", "59", "60", "62", "80"},
	"11": {"75", "77", "78", "91", "92", "93", "94", "95"},
	"28": {"14", "27", "50", "61", "76"},
	"75": {"16", "17", "19", "23", "24", "33", "40", "47", "64", "79", "86", "87"},
	"76": {"9", "11", "12", "30", "31", "32", "34", "46", "48", "65", "66", "81", "82"},
	"52": {"44", "49", "53", "72", "85"},
	"93": {"4", "5", "6", "13", "83", "84"},
	"01": {"971"},
	"02": {"972"},
	"03": {"973"},
	"04": {"974"},
	"06": {"976"},
}

var departmentToParcelRegion = func() map[string]string {
	m := make(map[string]string)
	for rpg, deps := range parcelRegions {
		for _, d := range deps {
			m[d] = rpg
		}
	}
	return m
}()

// normalizeDepartment strips leading zeros ("01" -> "1", "02A" -> "2A")
func normalizeDepartment(code string) string {
	c := strings.TrimLeft(strings.ToUpper(strings.TrimSpace(code)), "0")
	if c == "" {
		return "0"
	}
	return c
}

// ParcelSource returns the RPG region publishing parcels for a department
func ParcelSource(department string) (string, bool) {
	rpg, ok := departmentToParcelRegion[normalizeDepartment(department)]
	return rpg, ok
}

// SourceCode returns the code under which a dataset kind is published for a
// department: the department padded to three characters for department
// products, the RPG region otherwise
func SourceCode(kind common.DatasetKind, department string) (string, error) {
	switch kind {
	case common.KindVegetation, common.KindTopography:
		d := normalizeDepartment(department)
		if len(d) < 3 {
			d = strings.Repeat("0", 3-len(d)) + d
		}
		return d, nil
	case common.KindParcels:
		rpg, ok := ParcelSource(department)
		if !ok {
			return "", fmt.Errorf("no RPG region publishes department %s", department)
		}
		return rpg, nil
	default:
		return "", fmt.Errorf("unknown dataset kind %q", kind)
	}
}

// LinkPrefix is the token identifying a source code inside IGN download links
func LinkPrefix(kind common.DatasetKind, sourceCode string) string {
	if kind == common.KindParcels {
		return "R" + sourceCode
	}
	return "D" + sourceCode
}

// Package extract normalizes provider-specific deployment results into the
// canonical Resource and Output shapes. All transforms are pure: the same raw
// input always yields the same records in the same order.
package extract

import (
	"strings"
)

// splitARMResourceID decomposes a fully qualified ARM resource id such as
// /subscriptions/S/resourceGroups/RG/providers/Microsoft.Storage/storageAccounts/sa1
// into resource group, type and name. Unparseable ids yield empty parts with
// the raw id preserved on the record.
func splitARMResourceID(id string) (group, typ, name string) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		switch strings.ToLower(parts[i]) {
		case "resourcegroups":
			group = parts[i+1]
		case "providers":
			rest := parts[i+1:]
			if len(rest) >= 3 {
				typ = rest[0] + "/" + rest[1]
				name = rest[len(rest)-1]
				// nested types keep every other segment: ns/type/sub...
				if len(rest) > 3 {
					segs := []string{rest[0]}
					for j := 1; j < len(rest)-1; j += 2 {
						segs = append(segs, rest[j])
					}
					typ = strings.Join(segs, "/")
				}
			}
			return group, typ, name
		}
	}
	return group, typ, name
}

func stringAttr(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
